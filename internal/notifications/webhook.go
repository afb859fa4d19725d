// Package notifications delivers alert batches to humans.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
)

// WebhookSink posts notification payloads to a configured URL. An
// optional cooldown suppresses repeat sends that arrive too quickly,
// the suppressed batch is logged instead of delivered.
type WebhookSink struct {
	url      string
	client   *http.Client
	cooldown time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

type webhookPayload struct {
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewWebhookSink creates a sink. timeout defaults to 10 seconds,
// cooldown 0 disables suppression.
func NewWebhookSink(url string, timeout, cooldown time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		cooldown: cooldown,
	}
}

func (w *WebhookSink) Notify(ctx context.Context, subject, message string) error {
	const op = "notifications.Notify"

	if w.cooldown > 0 {
		w.mu.Lock()
		if since := time.Since(w.lastSent); since < w.cooldown {
			w.mu.Unlock()
			log.Warn().
				Dur("sinceLast", since).
				Str("subject", subject).
				Msg("Notification suppressed by cooldown")
			return nil
		}
		w.lastSent = time.Now()
		w.mu.Unlock()
	}

	body, err := json.Marshal(webhookPayload{
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Source:    "meshmon",
	})
	if err != nil {
		return internalerrors.Internal(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return internalerrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return internalerrors.External(op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return internalerrors.External(op, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	log.Info().Str("subject", subject).Msg("Notification delivered")
	return nil
}

// LogSink writes notifications to the log. Used when no webhook URL is
// configured so alert batches still surface somewhere.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, subject, message string) error {
	log.Warn().Str("subject", subject).Msg(message)
	return nil
}
