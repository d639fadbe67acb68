package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/pkg/models"
)

// Payload is the envelope POSTed to the configured endpoint.
type Payload struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Job       models.JobEvent `json:"job"`
}

// Notifier delivers terminal job events to an external endpoint with HMAC
// authentication. Failed deliveries are retried in-process with backoff;
// the message stays on the event queue until delivery succeeds or the
// retry budget runs out, so an operator can replay from the queue.
type Notifier struct {
	client     *http.Client
	url        string
	secret     string
	maxRetries int
	log        *logging.Logger

	// backoff schedule per retry attempt, capped at the last entry.
	delays []time.Duration
}

// NewNotifier creates a webhook notifier. Returns nil when no URL is
// configured.
func NewNotifier(cfg config.WebhookConfig, log *logging.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Notifier{
		client:     &http.Client{Timeout: timeout},
		url:        cfg.URL,
		secret:     cfg.Secret,
		maxRetries: maxRetries,
		log:        log,
		delays:     []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
	}
}

// Notify delivers one terminal job event, retrying with backoff. It
// returns the last delivery error when the retry budget is exhausted.
func (n *Notifier) Notify(ctx context.Context, event models.JobEvent) error {
	payload := Payload{
		Event:     eventName(event.State),
		Timestamp: time.Now().UTC(),
		Job:       event,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deliveryID := uuid.New().String()
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.delays[min(attempt-1, len(n.delays)-1)]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = n.deliver(ctx, deliveryID, payload.Event, body)
		if lastErr == nil {
			return nil
		}
		n.log.WithJobID(event.JobID).WithError(lastErr).
			WithField("attempt", attempt+1).Warn("Webhook delivery failed")
	}
	return fmt.Errorf("webhook delivery exhausted retries: %w", lastErr)
}

func (n *Notifier) deliver(ctx context.Context, deliveryID, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CopyForge-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", n.signature(body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// signature generates the HMAC-SHA256 signature for a payload
func (n *Notifier) signature(payload []byte) string {
	h := hmac.New(sha256.New, []byte(n.secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func eventName(state models.JobState) string {
	switch state {
	case models.JobStateCompleted:
		return "generation.completed"
	case models.JobStateCanceled:
		return "generation.canceled"
	default:
		return "generation.failed"
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
