package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lucasnoah/matrixci/internal/log"
)

const (
	EventJobFinished      = "job_finished"
	EventPipelineFinished = "pipeline_finished"
)

// WebhookReporter POSTs each event as JSON to URL, retrying transport errors
// and 5xx responses with exponential backoff.
type WebhookReporter struct {
	URL      string
	Client   *http.Client  // defaults to a client with a 10s timeout
	Attempts uint          // defaults to 4
	Delay    time.Duration // initial backoff; defaults to 500ms
}

// NewWebhookReporter creates a WebhookReporter with default retry settings.
func NewWebhookReporter(url string) *WebhookReporter {
	return &WebhookReporter{URL: url}
}

// webhookPayload wraps an event so receivers can dispatch on Type and key
// the status by Revision without decoding the body.
type webhookPayload struct {
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	Revision string `json:"revision,omitempty"`
	Data     any    `json:"data"`
}

func (w *WebhookReporter) JobFinished(ctx context.Context, r JobReport) error {
	return w.post(ctx, webhookPayload{Type: EventJobFinished, RunID: r.RunID, Revision: r.Trigger.Commit, Data: r})
}

func (w *WebhookReporter) PipelineFinished(ctx context.Context, r PipelineReport) error {
	return w.post(ctx, webhookPayload{Type: EventPipelineFinished, RunID: r.RunID, Revision: r.Trigger.Commit, Data: r})
}

func (w *WebhookReporter) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := w.Attempts
	if attempts == 0 {
		attempts = 4
	}
	delay := w.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	l := log.FromContext(ctx)

	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-MatrixCI-Event", payload.Type)
		req.Header.Set("X-MatrixCI-Run", payload.RunID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %s", resp.Status)
		case resp.StatusCode >= 300:
			return retry.Unrecoverable(fmt.Errorf("webhook returned %s", resp.Status))
		}
		return nil
	},
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(delay),
		retry.MaxDelay(30*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Info("retrying webhook", "url", w.URL, "event", payload.Type, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", payload.Type, err)
	}
	return nil
}
