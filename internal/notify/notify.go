// Package notify delivers human-readable announcements about the server
// lifecycle. Delivery is fire-and-forget.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Notifier sends a rendered announcement. Implementations must not block the caller.
type Notifier interface {
	SendAnnouncement(msg string)
}

// LogNotifier writes announcements to the supervisor log.
type LogNotifier struct{ Log *slog.Logger }

func (n LogNotifier) SendAnnouncement(msg string) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("announcement", "message", msg)
}

// Multi fans an announcement out to every notifier.
type Multi []Notifier

func (m Multi) SendAnnouncement(msg string) {
	for _, n := range m {
		if n != nil {
			n.SendAnnouncement(msg)
		}
	}
}

// WebhookNotifier posts {"content": msg} to a chat webhook (Discord-compatible).
type WebhookNotifier struct {
	url     string
	client  *http.Client
	log     *slog.Logger
	timeout time.Duration
}

func NewWebhook(url string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With("component", "webhook"),
		timeout: 10 * time.Second,
	}
}

func (w *WebhookNotifier) SendAnnouncement(msg string) {
	go func() {
		if err := w.post(msg); err != nil {
			w.log.Warn("announcement delivery failed", "error", err)
		}
	}()
}

func (w *WebhookNotifier) post(msg string) error {
	body, err := json.Marshal(map[string]string{"content": msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "webhook returned " + http.StatusText(e.code) }
