package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "github.com/Yordanos7/telegram-collector/internal/runtime/supervisor"
	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowedChats restricts intake to these chats, matched by username
	// (with or without "@") or numeric chat id. Empty allows every chat.
	AllowedChats []string
	// Offline skips the getMe call; used by tests.
	Offline bool
}

// Adapter is the live Telegram feed. It long-polls the Bot API, turns
// channel posts and chat messages into transport events, downloads media
// on demand and sends operator text.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	http    *http.Client
	allowed map[string]struct{}

	out     atomic.Pointer[sink]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// abandoned counts events given up on because the adapter stopped while
	// the consumer was still behind.
	abandoned atomic.Uint64
}

const handoffGrace = time.Second

// sink is the consumer channel plus the run context that bounds a blocked send.
type sink struct {
	ch   chan<- transport.Event
	done <-chan struct{}
}

var (
	_ transport.Source       = (*Adapter)(nil)
	_ transport.MediaFetcher = (*Adapter)(nil)
	_ transport.TextSender   = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		// Handlers run on the update loop so a slow consumer stalls polling
		// instead of piling up goroutines or losing acknowledged updates.
		Synchronous: true,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"message", "channel_post"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		http:    &http.Client{},
		allowed: allowSet(cfg.AllowedChats),
	}
	a.registerHandlers()
	return a, nil
}

func allowSet(chats []string) map[string]struct{} {
	if len(chats) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(chats))
	for _, c := range chats {
		c = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "@"))
		if c != "" {
			m[c] = struct{}{}
		}
	}
	return m
}

func (a *Adapter) registerHandlers() {
	h := func(c tele.Context) error {
		u := c.Update()
		m := u.ChannelPost
		if m == nil {
			m = u.Message
		}
		if m == nil || !a.allows(m.Chat) {
			return nil
		}
		a.emit(a.eventFromMessage(m))
		return nil
	}
	a.bot.Handle(tele.OnChannelPost, h)
	a.bot.Handle(tele.OnText, h)
	a.bot.Handle(tele.OnPhoto, h)
	a.bot.Handle(tele.OnDocument, h)
}

func (a *Adapter) allows(chat *tele.Chat) bool {
	if a.allowed == nil {
		return true
	}
	if chat == nil {
		return false
	}
	if _, ok := a.allowed[strings.ToLower(chat.Username)]; ok && chat.Username != "" {
		return true
	}
	_, ok := a.allowed[strconv.FormatInt(chat.ID, 10)]
	return ok
}

func (a *Adapter) eventFromMessage(m *tele.Message) transport.Event {
	ev := transport.Event{
		MessageID: int64(m.ID),
		Text:      m.Text,
	}
	if m.Chat != nil {
		ev.Channel = transport.ChannelHint{Handle: m.Chat.Username, Title: m.Chat.Title}
	}
	if m.Unixtime > 0 {
		ev.PostedAt = m.Time()
	}
	switch {
	case m.Photo != nil:
		ev.Media = &transport.Media{Kind: transport.MediaPhoto, MimeType: "image/jpeg", Ref: m.Photo.FileID, From: a}
	case m.Document != nil:
		ev.Media = &transport.Media{
			Kind:     transport.MediaDocument,
			MimeType: m.Document.MIME,
			FileName: m.Document.FileName,
			Ref:      m.Document.FileID,
			From:     a,
		}
	}
	if ev.Text == "" {
		ev.Text = m.Caption
	}
	return ev
}

// emit hands ev to the consumer, waiting while the channel is full. The
// poller does not fetch further updates until this returns.
func (a *Adapter) emit(ev transport.Event) {
	sk := a.out.Load()
	if sk == nil {
		a.abandon(ev)
		return
	}
	select {
	case sk.ch <- ev:
		return
	default:
	}
	a.log.Debug("consumer behind, holding poll loop", logx.Int("chan_cap", cap(sk.ch)))
	select {
	case sk.ch <- ev:
		return
	case <-sk.done:
	}
	// Stopping: the consumer keeps draining for a moment, give it the chance.
	t := time.NewTimer(handoffGrace)
	defer t.Stop()
	select {
	case sk.ch <- ev:
	case <-t.C:
		a.abandon(ev)
	}
}

func (a *Adapter) abandon(ev transport.Event) {
	a.abandoned.Add(1)
	a.log.Warn("post not handed to pipeline, adapter stopped",
		logx.String("channel", ev.Channel.Handle),
		logx.String("title", ev.Channel.Title),
		logx.Int64("message_id", ev.MessageID),
	)
}

// Abandoned returns how many received posts were never handed to the consumer.
func (a *Adapter) Abandoned() uint64 { return a.abandoned.Load() }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.out.Store(&sink{ch: out, done: sup.Context().Done()})
	a.runMu.Unlock()

	sup.Go0("stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	was := a.running
	a.running = false
	a.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()

	// Never let a pending getUpdates hold shutdown for long.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// FetchMedia downloads a file by its Bot API file id.
func (a *Adapter) FetchMedia(ctx context.Context, m *transport.Media) (io.ReadCloser, error) {
	if m == nil || m.Ref == "" {
		return nil, errors.New("media reference is empty")
	}
	f, err := a.bot.FileByID(m.Ref)
	if err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	if f.FilePath == "" {
		return nil, errors.New("getFile returned no path")
	}
	url := a.bot.URL + "/file/bot" + a.bot.Token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		// The token is part of the URL; do not leak it through the error.
		return nil, fmt.Errorf("download %s failed", f.FilePath)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", f.FilePath, resp.StatusCode)
	}
	return resp.Body, nil
}

const textLimit = 4000

// SendText delivers text, split into chunks Telegram accepts.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that are not too close to the chunk start.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i-start >= limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
