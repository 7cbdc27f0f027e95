package notifier

import (
	"context"
	"path"
	"time"
)

// Config controls the async PostCreated delivery pipeline.
type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	RatePerSec     int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	DeliverTimeout time.Duration
}

// PostCreated is emitted once per newly persisted post.
type PostCreated struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	MessageID int64     `json:"message_id"`
	Text      *string   `json:"text"`
	MediaURL  *string   `json:"media_url"`
	PostedAt  time.Time `json:"posted_at"`
}

// MediaURL maps a stored media reference to its public path.
// An empty reference yields nil.
func MediaURL(ref string) *string {
	if ref == "" {
		return nil
	}
	u := "/media/" + path.Base(ref)
	return &u
}

// Sink is one delivery target for PostCreated.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p PostCreated) error
}

// DeliveryEvent is published on the event bus after each delivery attempt chain.
type DeliveryEvent struct {
	Sink      string    `json:"sink"`
	Channel   string    `json:"channel"`
	MessageID int64     `json:"message_id"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
