package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Yordanos7/telegram-collector/internal/eventbus"
	"github.com/Yordanos7/telegram-collector/internal/ingest"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// ErrRunning is returned by Run while another run is in progress.
var ErrRunning = errors.New("backfill already running")

const defaultMaxPerChannel = 1000

type Config struct {
	Channels      []string
	ListFile      string
	MaxPerChannel int
}

// Ingester is the part of the ingest pipeline backfill drives.
type Ingester interface {
	Ingest(ctx context.Context, ev transport.Event) (ingest.Result, error)
}

type ChannelStatus string

const (
	StatusSkipped   ChannelStatus = "skipped"
	StatusCompleted ChannelStatus = "completed"
	StatusPending   ChannelStatus = "pending"
)

type ChannelReport struct {
	Channel    string        `json:"channel"`
	Status     ChannelStatus `json:"status"`
	Created    int           `json:"created"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

type Report struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Channels   []ChannelReport `json:"channels"`
}

// Pending lists channels left pending by this run.
func (r Report) Pending() []string {
	var out []string
	for _, c := range r.Channels {
		if c.Status == StatusPending {
			out = append(out, c.Channel)
		}
	}
	return out
}

// Controller walks the history of every listed channel once. A channel is
// marked completed only after its history was exhausted without a failed
// ingest; anything else leaves it pending for the next run.
type Controller struct {
	cfgMu  sync.Mutex
	cfg    Config
	hist   transport.HistorySource
	ledger storage.BackfillLedger
	in     Ingester
	bus    eventbus.Bus
	log    logx.Logger

	running sync.Mutex
}

func New(cfg Config, hist transport.HistorySource, ledger storage.BackfillLedger, in Ingester, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:    cfg.withDefaults(),
		hist:   hist,
		ledger: ledger,
		in:     in,
		bus:    bus,
		log:    log.With(logx.String("comp", "backfill")),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxPerChannel <= 0 {
		c.MaxPerChannel = defaultMaxPerChannel
	}
	return c
}

// Apply replaces the channel list and bounds used by subsequent runs.
func (c *Controller) Apply(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg.withDefaults()
	c.cfgMu.Unlock()
}

func (c *Controller) config() Config {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg
}

// Run processes the backfill list sequentially. It returns ErrRunning if a
// run is already active, and ctx.Err() if canceled; the partial report is
// returned either way.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	if !c.running.TryLock() {
		return Report{}, ErrRunning
	}
	defer c.running.Unlock()

	cfg := c.config()
	rep := Report{StartedAt: time.Now()}
	channels, err := LoadList(cfg.Channels, cfg.ListFile)
	if err != nil {
		return rep, err
	}
	eventbus.Emit(c.bus, eventbus.BackfillStarted, map[string]any{"channels": len(channels)})
	c.log.Info("backfill started", logx.Int("channels", len(channels)))

	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			rep.FinishedAt = time.Now()
			return rep, err
		}
		cr := c.runChannel(ctx, ch, cfg.MaxPerChannel)
		rep.Channels = append(rep.Channels, cr)
		switch cr.Status {
		case StatusCompleted:
			eventbus.Emit(c.bus, eventbus.BackfillChannelDone, cr)
		case StatusPending:
			eventbus.Emit(c.bus, eventbus.BackfillChannelDeferred, cr)
		}
	}

	rep.FinishedAt = time.Now()
	eventbus.Emit(c.bus, eventbus.BackfillFinished, rep)
	c.log.Info("backfill finished",
		logx.Int("channels", len(rep.Channels)),
		logx.Int("pending", len(rep.Pending())),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, ctx.Err()
}

func (c *Controller) runChannel(ctx context.Context, ch string, max int) ChannelReport {
	cr := ChannelReport{Channel: ch, Status: StatusPending}
	log := c.log.With(logx.String("channel", ch))

	done, err := c.ledger.IsCompleted(ctx, ch)
	if err != nil {
		cr.Error = err.Error()
		log.Warn("backfill ledger read failed", logx.Err(err))
		return cr
	}
	if done {
		cr.Status = StatusSkipped
		log.Debug("channel already backfilled")
		return cr
	}
	if err := c.ledger.MarkPending(ctx, ch); err != nil {
		cr.Error = err.Error()
		log.Warn("mark pending failed", logx.Err(err))
		return cr
	}

	if err := c.drain(ctx, ch, max, &cr, log); err != nil {
		cr.Error = err.Error()
		log.Warn("channel left pending", logx.Err(err), logx.Int("created", cr.Created), logx.Int("failed", cr.Failed))
		return cr
	}

	if _, err := c.ledger.MarkCompleted(ctx, ch); err != nil {
		cr.Error = err.Error()
		log.Warn("mark completed failed", logx.Err(err))
		return cr
	}
	cr.Status = StatusCompleted
	log.Info("channel backfilled", logx.Int("created", cr.Created), logx.Int("duplicates", cr.Duplicates))
	return cr
}

// drain ingests the channel's history. Failed ingests are counted and
// iteration continues so later messages still land; the channel then stays
// pending and the failed ones are retried next run.
func (c *Controller) drain(ctx context.Context, ch string, max int, cr *ChannelReport, log logx.Logger) error {
	it, err := c.hist.History(ctx, ch, max)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	defer it.Close()

	for {
		ev, ok, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if !ok {
			break
		}
		res, err := c.in.Ingest(ctx, ev)
		switch {
		case errors.Is(err, ingest.ErrStopped):
			return err
		case err != nil:
			cr.Failed++
			log.Debug("history message failed", logx.Int64("message_id", ev.MessageID), logx.Err(err))
		case res.Outcome == ingest.Created:
			cr.Created++
		default:
			cr.Duplicates++
		}
	}
	if cr.Failed > 0 {
		return fmt.Errorf("%d messages failed", cr.Failed)
	}
	return ctx.Err()
}
