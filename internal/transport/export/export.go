// Package export reads channel history from Telegram Desktop JSON exports.
//
// Layout: <dir>/<channel>/result.json, with media files at the relative
// paths the export records next to it.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// ErrChannelNotFound is returned when a channel has no export.
var ErrChannelNotFound = errors.New("channel export not found")

type Source struct {
	dir string
	log logx.Logger
}

var (
	_ transport.HistorySource = (*Source)(nil)
	_ transport.MediaFetcher  = (*Source)(nil)
)

func New(dir string, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{dir: dir, log: log.With(logx.String("comp", "export"))}
}

type result struct {
	Name     string    `json:"name"`
	Messages []message `json:"messages"`
}

type message struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	DateUnixtime string          `json:"date_unixtime"`
	Text         json.RawMessage `json:"text"`
	Photo        string          `json:"photo"`
	File         string          `json:"file"`
	MimeType     string          `json:"mime_type"`
	FileName     string          `json:"file_name"`
}

// History loads the channel export and iterates up to limit messages,
// newest first. limit <= 0 means no bound.
func (s *Source) History(ctx context.Context, channel string, limit int) (transport.HistoryIterator, error) {
	if !filepath.IsLocal(channel) || strings.ContainsAny(channel, `/\`) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrChannelNotFound, channel)
	}
	root := filepath.Join(s.dir, channel)
	b, err := os.ReadFile(filepath.Join(root, "result.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
		}
		return nil, err
	}
	var r result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", channel, err)
	}

	msgs := make([]message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Type != "" && m.Type != "message" {
			continue
		}
		msgs = append(msgs, m)
	}
	// Exports are written oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	s.log.Debug("export loaded", logx.String("channel", channel), logx.Int("messages", len(msgs)))
	return &iterator{src: s, root: root, hint: transport.ChannelHint{Handle: channel, Title: r.Name}, msgs: msgs}, nil
}

type iterator struct {
	src  *Source
	root string
	hint transport.ChannelHint
	msgs []message
	pos  int
}

func (it *iterator) Next(ctx context.Context) (transport.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return transport.Event{}, false, err
	}
	if it.pos >= len(it.msgs) {
		return transport.Event{}, false, nil
	}
	m := it.msgs[it.pos]
	it.pos++

	ev := transport.Event{
		Channel:   it.hint,
		MessageID: m.ID,
		Text:      flattenText(m.Text),
	}
	if sec, err := strconv.ParseInt(m.DateUnixtime, 10, 64); err == nil && sec > 0 {
		ev.PostedAt = time.Unix(sec, 0)
	}
	switch {
	case usable(m.Photo):
		ev.Media = &transport.Media{Kind: transport.MediaPhoto, MimeType: "image/jpeg", Ref: filepath.Join(it.root, m.Photo), From: it.src}
	case usable(m.File):
		ev.Media = &transport.Media{Kind: transport.MediaDocument, MimeType: m.MimeType, FileName: m.FileName, Ref: filepath.Join(it.root, m.File), From: it.src}
	}
	return ev, true, nil
}

func (it *iterator) Close() error { return nil }

// usable rejects placeholders such as "(File not included. ...)" and paths
// leaving the export directory.
func usable(rel string) bool {
	return rel != "" && !strings.HasPrefix(rel, "(") && filepath.IsLocal(rel)
}

// flattenText accepts both the plain string form and the entity array form
// ["plain", {"type": "bold", "text": "x"}, ...].
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var plain string
		if json.Unmarshal(p, &plain) == nil {
			b.WriteString(plain)
			continue
		}
		var ent struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(p, &ent) == nil {
			b.WriteString(ent.Text)
		}
	}
	return b.String()
}

func (s *Source) FetchMedia(ctx context.Context, m *transport.Media) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(m.Ref)
}
