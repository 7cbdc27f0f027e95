package adapter

import (
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/Yordanos7/telegram-collector/internal/transport"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

func newOffline(t *testing.T, allowed ...string) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "123:abc", Offline: true, AllowedChats: allowed}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestEventFromChannelPhoto(t *testing.T) {
	a := newOffline(t)
	m := &tele.Message{
		ID:       42,
		Chat:     &tele.Chat{ID: -100123, Type: tele.ChatChannel, Username: "news", Title: "News"},
		Unixtime: 1700000000,
		Caption:  "look",
		Photo:    &tele.Photo{File: tele.File{FileID: "AgAC"}},
	}
	ev := a.eventFromMessage(m)
	if ev.MessageID != 42 || ev.Channel.Handle != "news" || ev.Channel.Title != "News" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Text != "look" {
		t.Fatalf("caption not used as text: %q", ev.Text)
	}
	if !ev.PostedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("PostedAt = %v", ev.PostedAt)
	}
	if ev.Media == nil || ev.Media.Kind != transport.MediaPhoto || ev.Media.Ref != "AgAC" || ev.Media.From == nil {
		t.Fatalf("unexpected media: %+v", ev.Media)
	}
}

func TestEventFromGroupDocument(t *testing.T) {
	a := newOffline(t)
	m := &tele.Message{
		ID:       7,
		Chat:     &tele.Chat{ID: -42, Type: tele.ChatSuperGroup, Title: "Dev Chat"},
		Document: &tele.Document{File: tele.File{FileID: "BQAC"}, MIME: "application/pdf", FileName: "spec.pdf"},
	}
	ev := a.eventFromMessage(m)
	if ev.Channel.Handle != "" || ev.Channel.Title != "Dev Chat" {
		t.Fatalf("unexpected channel hint: %+v", ev.Channel)
	}
	if !ev.PostedAt.IsZero() {
		t.Fatalf("PostedAt should be zero without a timestamp")
	}
	if ev.Media.MimeType != "application/pdf" || ev.Media.FileName != "spec.pdf" {
		t.Fatalf("unexpected media: %+v", ev.Media)
	}
}

func TestAllowedChats(t *testing.T) {
	a := newOffline(t, "@News", "-42")
	cases := []struct {
		chat *tele.Chat
		want bool
	}{
		{&tele.Chat{ID: 1, Username: "news"}, true},
		{&tele.Chat{ID: -42, Title: "group"}, true},
		{&tele.Chat{ID: 2, Username: "other"}, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := a.allows(c.chat); got != c.want {
			t.Fatalf("allows(%+v) = %v, want %v", c.chat, got, c.want)
		}
	}
	if !newOffline(t).allows(&tele.Chat{ID: 5}) {
		t.Fatal("empty allow list should allow everything")
	}
}

func channelPost(id int) tele.Update {
	return tele.Update{ChannelPost: &tele.Message{
		ID:   id,
		Chat: &tele.Chat{ID: -100, Type: tele.ChatChannel, Username: "news"},
		Text: "post",
	}}
}

func TestFullBufferDelaysWithoutLoss(t *testing.T) {
	a := newOffline(t)
	out := make(chan transport.Event, 2)
	done := make(chan struct{})
	defer close(done)
	a.out.Store(&sink{ch: out, done: done})

	const n = 5
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 1; i <= n; i++ {
			a.bot.ProcessUpdate(channelPost(i))
		}
	}()

	select {
	case <-finished:
		t.Fatal("update loop should wait while the consumer is behind")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 1; i <= n; i++ {
		select {
		case ev := <-out:
			if ev.MessageID != int64(i) {
				t.Fatalf("event %d: got message %d", i, ev.MessageID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
	<-finished
	if a.Abandoned() != 0 {
		t.Fatalf("Abandoned = %d", a.Abandoned())
	}
}

func TestBlockedEmitReleasedOnStop(t *testing.T) {
	a := newOffline(t)
	out := make(chan transport.Event) // nobody reads
	done := make(chan struct{})
	a.out.Store(&sink{ch: out, done: done})

	returned := make(chan struct{})
	go func() {
		a.bot.ProcessUpdate(channelPost(9))
		close(returned)
	}()
	close(done)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("emit still blocked after stop")
	}
	if a.Abandoned() != 1 {
		t.Fatalf("Abandoned = %d", a.Abandoned())
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("got %q", got)
	}
}
