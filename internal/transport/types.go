package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrHistoryUnsupported is returned by sources that cannot iterate past messages.
var ErrHistoryUnsupported = errors.New("history not supported by source")

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// ChannelHint carries whatever the source knows about the channel a message
// came from. Either field may be empty.
type ChannelHint struct {
	Handle string
	Title  string
}

// Media describes an attachment. Ref is opaque to everyone except the
// fetcher that produced it (Telegram file_id, export-relative path, ...).
type Media struct {
	Kind     MediaKind
	MimeType string
	FileName string
	Ref      string
	From     MediaFetcher
}

// Event is a single inbound post, live or historical.
type Event struct {
	Channel   ChannelHint
	MessageID int64
	Text      string
	Media     *Media
	PostedAt  time.Time // zero if the source has none
}

// MediaFetcher resolves a Media reference into its bytes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, m *Media) (io.ReadCloser, error)
}

// Source is a live feed of events.
type Source interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
}

// HistoryIterator yields past messages of one channel in the source's natural
// order. Next returns ok=false once exhausted.
type HistoryIterator interface {
	Next(ctx context.Context) (ev Event, ok bool, err error)
	Close() error
}

// HistorySource opens a bounded iterator over a channel's history.
type HistorySource interface {
	History(ctx context.Context, channel string, limit int) (HistoryIterator, error)
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender delivers operator-facing text (alerts, log lines).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
