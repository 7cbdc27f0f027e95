package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yordanos7/telegram-collector/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *captureSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "ingest"))
	log.Info("post stored", Int64("message_id", 42), String("channel", "news"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "ingest" || m["channel"] != "news" || m["message"] != "post stored" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["message_id"].(float64) != 42 {
		t.Fatalf("message_id = %v", m["message_id"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger must not be zero")
	}
}

func TestAlertSinkHonorsMinLevel(t *testing.T) {
	sender := &captureSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Alerts: AlertsConfig{
			Enabled:    true,
			ChatID:     -100123,
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Warn("media fetch failed", String("channel", "news"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected exactly one alert, got %d: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "[WARN] media fetch failed") {
		t.Fatalf("unexpected alert text: %q", sender.msgs[0])
	}
}

func TestParseLevelDefault(t *testing.T) {
	if got := parseLevel("bogus", zerolog.InfoLevel); got != zerolog.InfoLevel {
		t.Fatalf("parseLevel = %v", got)
	}
	if got := parseLevel(" warning ", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel = %v", got)
	}
}
