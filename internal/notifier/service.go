package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Yordanos7/telegram-collector/internal/eventbus"
	rtsup "github.com/Yordanos7/telegram-collector/internal/runtime/supervisor"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service implements async delivery: queue + worker pool + rate limit + retry.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan PostCreated
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		sinks: sinks,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate/retry settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan PostCreated, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake and drains the queue until ctx is done; anything still
// queued after that is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		left := len(q)
		sup.Cancel()
		s.log.Warn("notifier stop deadline reached; abandoning queue", logx.Int("abandoned", left))
	}
}

// Notify enqueues p for delivery without blocking.
func (s *Service) Notify(ctx context.Context, p PostCreated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- p:
		return nil
	default:
		s.publish(eventbus.NotifyFailed, DeliveryEvent{Sink: "queue", Channel: p.Channel, MessageID: p.MessageID, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan PostCreated) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-q:
			if !ok {
				return
			}
			for _, sink := range s.sinks {
				s.deliverWithRetry(ctx, sink, p)
			}
		}
	}
}

func (s *Service) deliverWithRetry(ctx context.Context, sink Sink, p PostCreated) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
		lastErr = sink.Deliver(callCtx, p)
		cancel()
		if lastErr == nil {
			break
		}
		s.log.Debug("delivery failed", logx.String("sink", sink.Name()), logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ev := DeliveryEvent{Sink: sink.Name(), Channel: p.Channel, MessageID: p.MessageID, Attempts: attempts}
	if lastErr != nil {
		ev.Error = lastErr.Error()
		s.log.Warn("notification dropped", logx.String("sink", sink.Name()), logx.String("channel", p.Channel), logx.Int64("message_id", p.MessageID), logx.Err(lastErr))
		s.publish(eventbus.NotifyFailed, ev)
		return
	}
	s.publish(eventbus.NotifyDelivered, ev)
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	eventbus.Emit(s.bus, typ, ev)
}

// retryDelay is the jittered exponential wait before attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// Sync delivers to every sink inline, once, bounded by timeout. It is used
// when the queued notifier is disabled.
type Sync struct {
	sinks   []Sink
	timeout time.Duration
}

func NewSync(timeout time.Duration, sinks ...Sink) *Sync {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sync{sinks: sinks, timeout: timeout}
}

func (n *Sync) Notify(ctx context.Context, p PostCreated) error {
	var errs []error
	for _, sink := range n.sinks {
		cctx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := sink.Deliver(cctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
		cancel()
	}
	return errors.Join(errs...)
}
