// Package webhook posts run lifecycle events to external HTTP endpoints,
// signed with HMAC-SHA256 so receivers can verify the sender.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/platform/websocket"
)

const (
	// SignatureHeader carries SignaturePrefix followed by the hex signature.
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"

	SignaturePrefix = "sha256="
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("webhook notifier closed")

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. The value of
// SignatureHeader can be passed as is.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, SignaturePrefix)
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Config describes where and what to deliver.
type Config struct {
	URLs   []string
	Secret string
	// Events are type patterns: exact ("run.completed") or "run.*". Empty
	// means every event.
	Events      []string
	MaxAttempts int
	RetryDelay  time.Duration
	QueueSize   int
	Client      *http.Client
}

// Notifier queues events and delivers them from a background worker so
// publishing never waits on a remote endpoint.
type Notifier struct {
	cfg   Config
	log   zerolog.Logger
	queue chan websocket.Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New validates cfg and starts the delivery worker. Close stops it after the
// queue drains.
func New(cfg Config, logger zerolog.Logger) (*Notifier, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one webhook url is required")
	}
	for _, u := range cfg.URLs {
		if err := validateURL(u); err != nil {
			return nil, err
		}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}

	n := &Notifier{
		cfg:   cfg,
		log:   logger.With().Str("component", "webhook").Logger(),
		queue: make(chan websocket.Event, cfg.QueueSize),
	}
	n.wg.Add(1)
	go n.run()
	return n, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

// eventMatches reports whether eventType matches pattern ("run.completed" or
// "run.*").
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

func (n *Notifier) wants(event websocket.Event) bool {
	// Emit publishes every event once per topic; deliver the "runs" copy only.
	if event.Topic != websocket.TopicRuns {
		return false
	}
	if len(n.cfg.Events) == 0 {
		return true
	}
	for _, p := range n.cfg.Events {
		if eventMatches(p, event.Type) {
			return true
		}
	}
	return false
}

// Publish queues event for delivery. A full queue drops the event.
func (n *Notifier) Publish(_ context.Context, event websocket.Event) error {
	if !n.wants(event) {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.queue <- event:
		return nil
	default:
		return fmt.Errorf("webhook queue full, dropped %s for run %s", event.Type, event.RunID)
	}
}

// Close stops accepting events and waits for queued deliveries.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for event := range n.queue {
		payload, err := json.Marshal(event)
		if err != nil {
			n.log.Warn().Err(err).Str("event", event.Type).Msg("encode webhook payload")
			continue
		}
		for _, u := range n.cfg.URLs {
			n.deliver(u, event, payload)
		}
	}
}

// deliver posts payload to target, retrying transport errors and 5xx
// responses with a linear backoff.
func (n *Notifier) deliver(target string, event websocket.Event, payload []byte) {
	id := uuid.New().String()
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		retry, err := n.post(target, id, payload)
		if err == nil {
			n.log.Debug().Str("url", target).Str("event", event.Type).Int("attempt", attempt).Msg("webhook delivered")
			return
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < n.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt) * n.cfg.RetryDelay)
		}
	}
	n.log.Warn().Err(lastErr).
		Str("url", target).
		Str("event", event.Type).
		Str("run_id", event.RunID).
		Msg("webhook delivery failed")
}

func (n *Notifier) post(target, deliveryID string, payload []byte) (retry bool, err error) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))
	if n.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, SignaturePrefix+SignPayload(payload, n.cfg.Secret))
	}

	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
}
