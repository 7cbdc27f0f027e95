package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
	ErrInvalid  = errors.New("invalid post")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file via modernc.org/sqlite
//   - "postgres": PostgreSQL via lib/pq, DSN required
//   - "file": dependency-free JSONL journal backend
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Post is a persisted channel message. (Channel, MessageID) is unique.
type Post struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	MessageID int64     `json:"message_id"`
	Text      *string   `json:"text,omitempty"`
	MediaPath string    `json:"media_path,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
}

type BackfillStatus string

const (
	StatusPending   BackfillStatus = "pending"
	StatusCompleted BackfillStatus = "completed"
)

type BackfillRecord struct {
	Channel     string         `json:"channel"`
	Status      BackfillStatus `json:"status"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PostRepository persists posts. InsertIfAbsent is atomic with respect to
// (Channel, MessageID): concurrent callers for the same key observe exactly
// one created=true.
type PostRepository interface {
	// InsertIfAbsent stores p unless a post with the same key exists. It
	// returns the stored post (new or existing) and whether it was created.
	InsertIfAbsent(ctx context.Context, p Post) (Post, bool, error)
	// ListByChannel returns posts newest first.
	ListByChannel(ctx context.Context, channel string, limit, offset int) ([]Post, error)
	// ListAll returns posts across channels newest first.
	ListAll(ctx context.Context, limit, offset int) ([]Post, error)
	GetOne(ctx context.Context, channel string, messageID int64) (Post, error)
}

// BackfillLedger tracks which channels have had their history imported.
// A channel moves pending -> completed at most once.
type BackfillLedger interface {
	IsCompleted(ctx context.Context, channel string) (bool, error)
	// MarkPending records channel as pending unless it already has a record.
	MarkPending(ctx context.Context, channel string) error
	// MarkCompleted reports whether this call performed the transition.
	MarkCompleted(ctx context.Context, channel string) (bool, error)
	Records(ctx context.Context) ([]BackfillRecord, error)
}

type Store interface {
	PostRepository
	BackfillLedger
	Driver() string
	Close() error
}

func validatePost(p Post) error {
	if p.Channel == "" {
		return errors.Join(ErrInvalid, errors.New("empty channel"))
	}
	return nil
}

// normalizePostedAt truncates to milliseconds (storage precision) in UTC.
func normalizePostedAt(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
