package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means local time
}

// Job is triggered by the scheduler. Runs of the same job never overlap:
// a tick that fires while the previous run is active is skipped.
type Job func(ctx context.Context) error

type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type jobDef struct {
	name    string
	sched   Schedule
	timeout time.Duration
	job     Job
	id      cron.EntryID
	running sync.Mutex
}

// Service is a thin robfig/cron wrapper with named jobs, timeouts and
// overlap protection.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5 and 6 field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobDef{},
	}
}

// Add registers job under name, replacing any previous job with that name.
// Jobs added before Start are registered when it runs.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	sch, err := Parse(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sch.CronSpec()); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	d := &jobDef{name: name, sched: sch, timeout: timeout, job: job}
	s.jobs[name] = d
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(d.id)
	}
	delete(s.jobs, name)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.jobs {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts triggering, cancels running jobs and waits for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	// Stop's context is done once running jobs have returned.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, d := range s.jobs {
		e := Entry{Name: d.name, Spec: d.sched.Raw}
		if s.c != nil {
			ce := s.c.Entry(d.id)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) registerLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.sched.CronSpec(), func() { s.fire(d) })
	if err != nil {
		return fmt.Errorf("register %s: %w", d.name, err)
	}
	d.id = id
	return nil
}

func (s *Service) fire(d *jobDef) {
	if !d.running.TryLock() {
		s.log.Debug("previous run still active; tick skipped", logx.String("job", d.name))
		return
	}
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	defer d.running.Unlock()

	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := d.job(ctx); err != nil {
		s.log.Warn("scheduled job failed", logx.String("job", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
