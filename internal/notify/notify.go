// Package notify delivers the single end-of-run notification. Delivery
// is fire-and-forget: the finalizer's best-effort contract swallows
// transport failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Message summarizes a finished run.
type Message struct {
	RunID        int64  `json:"run_id"`
	Pipeline     string `json:"pipeline"`
	Branch       string `json:"branch"`
	Status       string `json:"status"`
	FailingStage string `json:"failing_stage,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// Text renders the message the way it appears in a chat channel.
func (m Message) Text() string {
	if m.FailingStage == "" {
		return fmt.Sprintf("%s #%d (%s): %s in %s", m.Pipeline, m.RunID, m.Branch, m.Status, m.Duration)
	}
	return fmt.Sprintf("%s #%d (%s): %s at stage %q (%s) in %s",
		m.Pipeline, m.RunID, m.Branch, m.Status, m.FailingStage, m.ErrorKind, m.Duration)
}

// Notifier sends a run summary to an external channel.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// SlogNotifier writes the notification to the structured log.
type SlogNotifier struct {
	Logger *slog.Logger
}

// NewSlogNotifier creates a log-backed notifier.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogNotifier{Logger: logger}
}

// Send logs the run summary.
func (n *SlogNotifier) Send(ctx context.Context, msg Message) error {
	n.Logger.Info("run notification",
		"run_id", msg.RunID,
		"pipeline", msg.Pipeline,
		"branch", msg.Branch,
		"status", msg.Status,
		"failing_stage", msg.FailingStage,
		"error_kind", msg.ErrorKind,
		"duration", msg.Duration)
	return nil
}

// WebhookNotifier POSTs the message as JSON to a webhook URL.
type WebhookNotifier struct {
	URL     string
	Channel string
	Client  *http.Client
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(url, channel string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Channel: channel,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification payload.
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	payload := struct {
		Channel string `json:"channel,omitempty"`
		Text    string `json:"text"`
		Message
	}{
		Channel: n.Channel,
		Text:    msg.Text(),
		Message: msg,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to several notifiers. The first error is
// returned after all notifiers were attempted.
type Multi []Notifier

// Send delivers to every notifier.
func (m Multi) Send(ctx context.Context, msg Message) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
