package alerting

import (
	"context"
	"fmt"
	"time"

	"tradewatch-backend/lib/restyutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

type WebhookConfig struct {
	// no url means the sink silently accepts everything
	Url    string `json:"url"`
	Source string `json:"source"`
}

// WebhookSink posts events as json to a configured endpoint, the shape
// matches what chat-ops webhook receivers generally accept.
type WebhookSink struct {
	http   *resty.Client
	url    string
	source string
}

func NewWebhookSink(config WebhookConfig) WebhookSink {
	client := resty.New()
	client.SetTimeout(time.Second * 30)
	restyutil.InstrumentClient(client, otel.Tracer("tradewatch.services.alerting.webhook"), nil)

	source := config.Source
	if source == "" {
		source = "tradewatch"
	}
	return WebhookSink{
		http:   client,
		url:    config.Url,
		source: source,
	}
}

type webhookPayload struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (s WebhookSink) Send(ctx context.Context, event Event) error {
	if s.url == "" {
		return nil
	}

	source := s.source
	if fromEvent, set := event.Context["source"]; set {
		source = fromEvent
	}

	res, err := s.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Message:   event.Message,
			Level:     string(event.Severity),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    source,
		}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("post webhook: unexpected status %d", res.StatusCode())
	}
	return nil
}
