package killswitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scriptwarden/broker/pkg/util/resiliency"
)

// WebhookAlerter posts a kill-switch trip notification to a single HTTP
// endpoint (Slack incoming-webhook or a generic JSON sink). It sends over
// a resiliency.Client rather than a bare http.Client so a flaky alert sink
// gets retry/jitter/circuit-breaking treatment instead of silently
// dropping a kill-switch notification on one failed attempt.
type WebhookAlerter struct {
	URL    string
	Client *resiliency.Client
}

// NewWebhookAlerter wraps url with a resilient client: 3 retries, breaker
// trips after 5 consecutive failures and probes again after 10s.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{URL: url, Client: resiliency.NewClient("killswitch-alert", 3, 5, 10*time.Second)}
}

func (a *WebhookAlerter) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return fmt.Errorf("killswitch: marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("killswitch: build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("killswitch: send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("killswitch: alert endpoint returned %s", resp.Status)
	}
	return nil
}

// MultiAlerter fans a single alert out to every configured sink, skipping
// the sinks PolicyBundle.KillSwitch left unset.
type MultiAlerter struct {
	Alerters []Alerter
}

func (m MultiAlerter) Send(ctx context.Context, message string) error {
	var firstErr error
	for _, a := range m.Alerters {
		if err := a.Send(ctx, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
