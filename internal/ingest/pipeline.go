package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Yordanos7/telegram-collector/internal/eventbus"
	"github.com/Yordanos7/telegram-collector/internal/media"
	"github.com/Yordanos7/telegram-collector/internal/notifier"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

var (
	ErrMediaFetch  = errors.New("media fetch failed")
	ErrPersistence = errors.New("persistence failed")
	ErrStopped     = errors.New("pipeline stopped")
)

type Outcome int

const (
	Created Outcome = iota + 1
	Duplicate
	MediaFetchFailed
	PersistenceFailed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Duplicate:
		return "duplicate"
	case MediaFetchFailed:
		return "media_fetch_failed"
	case PersistenceFailed:
		return "persistence_failed"
	default:
		return "unknown"
	}
}

// Result describes one Ingest call. NotifyErr is set when the post was
// created but handing it to the notifier failed; the post stays persisted.
type Result struct {
	Outcome   Outcome
	Post      storage.Post
	NotifyErr error
}

// Notifier receives PostCreated for every newly created post.
type Notifier interface {
	Notify(ctx context.Context, p notifier.PostCreated) error
}

type Config struct {
	FetchTimeout  time.Duration
	WriteTimeout  time.Duration
	NotifyTimeout time.Duration
	MediaRate     int // media fetches per second; 0 means unlimited
	LockStripes   int
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	return c
}

// OutcomeEvent is published on the bus for every ingest.
type OutcomeEvent struct {
	Channel   string `json:"channel"`
	MessageID int64  `json:"message_id"`
	Outcome   string `json:"outcome"`
	PostID    int64  `json:"post_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pipeline turns source events into persisted posts exactly once.
// It is safe for concurrent use; ingests of the same (channel, message id)
// are serialized.
type Pipeline struct {
	repo     storage.PostRepository
	media    media.Store
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger

	cfg     Config
	locks   *keyLock
	limiter *rate.Limiter

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New builds a pipeline. notifier and bus may be nil.
func New(cfg Config, repo storage.PostRepository, ms media.Store, n Notifier, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		repo:     repo,
		media:    ms,
		notifier: n,
		bus:      bus,
		log:      log.With(logx.String("comp", "ingest")),
		cfg:      cfg,
		locks:    newKeyLock(cfg.LockStripes),
	}
	if cfg.MediaRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MediaRate), cfg.MediaRate)
	}
	return p
}

// Ingest processes one event. The returned error is nil for Created and
// Duplicate, and wraps ErrMediaFetch or ErrPersistence otherwise.
func (p *Pipeline) Ingest(ctx context.Context, ev transport.Event) (Result, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Result{}, ErrStopped
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	channel := ChannelID(ev.Channel)
	log := p.log.With(logx.String("channel", channel), logx.Int64("message_id", ev.MessageID))

	unlock := p.locks.lock(channel, ev.MessageID)
	res, err := p.store(ctx, channel, ev, log)
	unlock()

	if err != nil {
		p.emit(eventbus.IngestFailed, channel, ev.MessageID, res, err)
		log.Warn("ingest failed", logx.String("outcome", res.Outcome.String()), logx.Err(err))
		return res, err
	}
	if res.Outcome == Duplicate {
		p.emit(eventbus.IngestDuplicate, channel, ev.MessageID, res, nil)
		log.Debug("duplicate post")
		return res, nil
	}

	p.emit(eventbus.IngestCreated, channel, ev.MessageID, res, nil)
	log.Info("post stored", logx.Int64("post_id", res.Post.ID), logx.Bool("media", res.Post.MediaPath != ""))

	if p.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
		res.NotifyErr = p.notifier.Notify(nctx, toPostCreated(res.Post))
		cancel()
		if res.NotifyErr != nil {
			log.Warn("post created but notification failed", logx.Int64("post_id", res.Post.ID), logx.Err(res.NotifyErr))
		}
	}
	return res, nil
}

// store runs media fetch and the atomic insert under the key lock.
func (p *Pipeline) store(ctx context.Context, channel string, ev transport.Event, log logx.Logger) (Result, error) {
	var ref string
	if ev.Media != nil {
		var err error
		ref, err = p.fetchMedia(ctx, channel, ev)
		if err != nil {
			return Result{Outcome: MediaFetchFailed}, fmt.Errorf("%w: %w", ErrMediaFetch, err)
		}
	}

	post := storage.Post{
		Channel:   channel,
		MessageID: ev.MessageID,
		MediaPath: ref,
		PostedAt:  ev.PostedAt,
	}
	if ev.Text != "" {
		text := ev.Text
		post.Text = &text
	}
	if post.PostedAt.IsZero() {
		post.PostedAt = time.Now()
	}

	// The write must finish even if the caller is canceled mid-flight.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
	defer cancel()
	stored, created, err := p.repo.InsertIfAbsent(wctx, post)
	if err != nil {
		return Result{Outcome: PersistenceFailed}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !created {
		return Result{Outcome: Duplicate, Post: stored}, nil
	}
	return Result{Outcome: Created, Post: stored}, nil
}

func (p *Pipeline) fetchMedia(ctx context.Context, channel string, ev transport.Event) (string, error) {
	m := ev.Media
	if m.From == nil {
		return "", errors.New("no media fetcher")
	}
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	if p.limiter != nil {
		if err := p.limiter.Wait(fctx); err != nil {
			return "", err
		}
	}
	name := MediaName(channel, ev.MessageID, Extension(m))
	rc, err := m.From.FetchMedia(fctx, m)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return p.media.Put(fctx, name, rc)
}

// Close stops intake and waits for in-flight ingests until ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain ingest: %w", ctx.Err())
	}
}

func (p *Pipeline) emit(typ, channel string, msgID int64, res Result, err error) {
	ev := OutcomeEvent{Channel: channel, MessageID: msgID, Outcome: res.Outcome.String(), PostID: res.Post.ID}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(p.bus, typ, ev)
}

func toPostCreated(p storage.Post) notifier.PostCreated {
	return notifier.PostCreated{
		ID:        p.ID,
		Channel:   p.Channel,
		MessageID: p.MessageID,
		Text:      p.Text,
		MediaURL:  notifier.MediaURL(p.MediaPath),
		PostedAt:  p.PostedAt,
	}
}
