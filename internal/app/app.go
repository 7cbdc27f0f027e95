package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Yordanos7/telegram-collector/internal/backfill"
	"github.com/Yordanos7/telegram-collector/internal/config"
	"github.com/Yordanos7/telegram-collector/internal/eventbus"
	"github.com/Yordanos7/telegram-collector/internal/fanout"
	"github.com/Yordanos7/telegram-collector/internal/httpapi"
	"github.com/Yordanos7/telegram-collector/internal/ingest"
	"github.com/Yordanos7/telegram-collector/internal/media"
	"github.com/Yordanos7/telegram-collector/internal/notifier"
	rtsup "github.com/Yordanos7/telegram-collector/internal/runtime/supervisor"
	"github.com/Yordanos7/telegram-collector/internal/scheduler"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	telegram "github.com/Yordanos7/telegram-collector/internal/transport/telegram/adapter"
	"github.com/Yordanos7/telegram-collector/internal/transport/export"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

const backfillJob = "backfill"

// liveSource is the continuous feed; the Telegram adapter in production.
type liveSource interface {
	transport.Source
	Abandoned() uint64
}

// App wires the collector: live source and backfill feed the ingest
// pipeline, which persists posts and hands them to the notifier.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	media media.Store
	hub   *fanout.Broadcaster

	notif    *notifier.Service
	fallback *notifier.Sync
	pipeline *ingest.Pipeline

	live      liveSource // nil without a bot token
	events    chan transport.Event
	liveStop  chan struct{}
	liveDone  chan struct{}
	liveAbort context.CancelFunc
	backfill  *backfill.Controller
	bfOnStart bool
	sched     *scheduler.Service
	http      *httpapi.Server

	drainTimeout time.Duration
}

// NewApp loads configuration (file, .env already applied to the process,
// environment overrides) and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	// The adapter doubles as the alert sender, so it exists before the
	// configured logger and logs through a console bootstrap logger.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	var live *telegram.Adapter
	var sender transport.TextSender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		live, err = telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			PollTimeout:  pollTimeout,
			AllowedChats: cfg.Telegram.AllowedChats,
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = live
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	if live == nil {
		log.Warn("telegram token not set; live ingestion disabled")
	}
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage ready", logx.String("driver", store.Driver()))

	mc, err := mapMediaConfig(cfg)
	if err != nil {
		return nil, err
	}
	ms, err := media.Open(mc, log)
	if err != nil {
		return nil, err
	}

	sendTimeout, wsOpts, err := mapFanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	hub := fanout.New(sendTimeout, log)

	ncfg, webhook, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	sinks := []notifier.Sink{notifier.NewBroadcastSink(hub, log)}
	if webhook != "" {
		sinks = append(sinks, notifier.NewWebhookSink(webhook, nil))
		log.Info("webhook notifications enabled")
	}
	notif := notifier.New(ncfg, log, bus, sinks...)
	fallback := notifier.NewSync(ncfg.DeliverTimeout, sinks...)

	icfg, drain, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		store:        store,
		media:        ms,
		hub:          hub,
		notif:        notif,
		fallback:     fallback,
		drainTimeout: drain,
	}
	if live != nil {
		a.live = live
	}
	a.pipeline = ingest.New(icfg, store, ms, notifySwitch{a}, bus, log)

	buffer := cfg.Telegram.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	a.events = make(chan transport.Event, buffer)

	bf, err := mapBackfillConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scheduler.Config{Timezone: bf.Timezone}, log)
	if bf.Enabled {
		a.backfill = backfill.New(bf.Ctl, export.New(bf.ExportDir, log), store, a.pipeline, bus, log)
		a.bfOnStart = bf.OnStart
		if bf.Schedule != "" {
			if err := a.sched.Add(backfillJob, bf.Schedule, 0, a.runBackfill); err != nil {
				return nil, err
			}
		}
	}

	hc, httpOn, err := mapHTTPConfig(cfg, wsOpts)
	if err != nil {
		return nil, err
	}
	if httpOn {
		a.http = httpapi.New(hc, httpapi.Deps{Posts: store, Media: ms, Hub: hub, Health: a.health}, log)
	}
	return a, nil
}

// notifySwitch routes PostCreated through the async notifier when it is
// enabled and delivers inline otherwise, so live subscribers always hear
// about new posts.
type notifySwitch struct{ a *App }

func (n notifySwitch) Notify(ctx context.Context, p notifier.PostCreated) error {
	if n.a.notif.Enabled() {
		return n.a.notif.Notify(ctx, p)
	}
	return n.a.fallback.Notify(ctx, p)
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.live != nil {
		// The live loop outlives the supervisor context so Stop can drain
		// posts the source already acknowledged.
		liveCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
		a.liveStop, a.liveDone, a.liveAbort = make(chan struct{}), make(chan struct{}), abort
		stop := a.liveStop
		a.sup.Go0("ingest.live", func(context.Context) { a.ingestLoop(liveCtx, stop) })
		if err := a.live.Start(a.sup.Context(), a.events); err != nil {
			return err
		}
	}

	if a.backfill != nil {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
		if a.bfOnStart {
			a.sup.Go0("backfill.startup", func(c context.Context) { _ = a.runBackfill(c) })
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("collector started",
		logx.Bool("live", a.live != nil),
		logx.Bool("backfill", a.backfill != nil),
		logx.Bool("http", a.http != nil),
		logx.Bool("notifier_async", a.notif.Enabled()),
	)
	return nil
}

// ingestLoop processes live events one at a time. Once stop closes it
// finishes whatever is still buffered and returns.
func (a *App) ingestLoop(ctx context.Context, stop <-chan struct{}) {
	defer close(a.liveDone)
	for {
		select {
		case ev := <-a.events:
			// Failures are logged and published by the pipeline; the
			// live stream keeps going.
			_, _ = a.pipeline.Ingest(ctx, ev)
		case <-stop:
			for {
				select {
				case ev := <-a.events:
					_, _ = a.pipeline.Ingest(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// drainLive stops the live loop after it has ingested every buffered event,
// aborting in-flight work when ctx ends first.
func (a *App) drainLive(ctx context.Context) error {
	stop := a.liveStop
	if stop == nil {
		return nil
	}
	a.liveStop = nil
	close(stop)
	select {
	case <-a.liveDone:
		return nil
	case <-ctx.Done():
		a.liveAbort()
		<-a.liveDone
		return fmt.Errorf("live drain: %w", ctx.Err())
	}
}

func (a *App) runBackfill(ctx context.Context) error {
	if a.backfill == nil {
		return nil
	}
	rep, err := a.backfill.Run(ctx)
	switch {
	case err == nil:
		if p := rep.Pending(); len(p) > 0 {
			a.log.Warn("backfill left channels pending", logx.String("channels", strings.Join(p, ",")))
		}
		return nil
	case errors.Is(err, backfill.ErrRunning):
		a.log.Debug("backfill already running; tick skipped")
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if send, _, err := mapFanoutConfig(newCfg); err == nil {
		a.hub.SetSendTimeout(send)
	}

	if ncfg, webhook, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		if _, oldHook, _ := mapNotifierConfig(oldCfg); oldHook != webhook {
			a.log.Warn("notifier.webhook_url changed; restart required")
		}
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("async notifier disabled; delivering inline")
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("async notifier enabled")
		}
	}

	if a.backfill != nil {
		if bf, err := mapBackfillConfig(newCfg); err == nil && bf.Enabled {
			a.backfill.Apply(bf.Ctl)
			if bf.Schedule == "" {
				a.sched.Remove(backfillJob)
			} else if err := a.sched.Add(backfillJob, bf.Schedule, 0, a.runBackfill); err != nil {
				a.log.Warn("backfill schedule rejected", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"storage":  a.store.Driver(),
		"media":    a.media.Driver(),
		"routines": a.sup.Counters(),
	}
	if a.live != nil {
		out["live_abandoned"] = a.live.Abandoned()
	}
	if a.backfill != nil {
		recs, err := a.store.Records(ctx)
		if err != nil {
			return out, fmt.Errorf("backfill ledger: %w", err)
		}
		pending := 0
		for _, r := range recs {
			if r.Status != storage.StatusCompleted {
				pending++
			}
		}
		out["backfill_pending"] = pending
		out["schedules"] = a.sched.Entries()
	}
	return out, nil
}

// Stop shuts components down in dependency order, each step bounded so one
// slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop the feed first; the live loop keeps consuming meanwhile so a
	// blocked hand-off can still land.
	step("live", 3*time.Second, func(c context.Context) error {
		if a.live == nil {
			return nil
		}
		return a.live.Stop(c)
	})
	step("live.drain", a.drainTimeout, a.drainLive)
	// Unwinds backfill and the remaining routines.
	a.sup.Cancel()
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ingest", a.drainTimeout, a.pipeline.Close)
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	// Queued notifications may be abandoned here.
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("fanout", time.Second, func(context.Context) error { a.hub.CloseAll(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
