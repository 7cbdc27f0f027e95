package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Yordanos7/telegram-collector/internal/fanout"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// Publisher is the part of the fan-out broadcaster the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte) fanout.Delivery
}

// BroadcastSink pushes PostCreated to the channel's live subscribers.
// Per-connection failures are handled by the broadcaster and are not retried.
type BroadcastSink struct {
	pub Publisher
	log logx.Logger
}

func NewBroadcastSink(pub Publisher, log logx.Logger) *BroadcastSink {
	return &BroadcastSink{pub: pub, log: log}
}

func (b *BroadcastSink) Name() string { return "broadcast" }

func (b *BroadcastSink) Deliver(ctx context.Context, p PostCreated) error {
	msg, err := json.Marshal(p)
	if err != nil {
		return err
	}
	d := b.pub.Publish(ctx, p.Channel, msg)
	if len(d.Failed) > 0 {
		b.log.Debug("subscribers dropped during publish", logx.String("topic", d.Topic), logx.Int("failed", len(d.Failed)), logx.Int("delivered", d.Delivered))
	}
	return nil
}

// WebhookSink POSTs PostCreated as JSON to {base}/api/new_post/{channel}.
type WebhookSink struct {
	base   string
	client *http.Client
}

func NewWebhookSink(baseURL string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSink{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, p PostCreated) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/api/new_post/"+url.PathEscape(p.Channel), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
