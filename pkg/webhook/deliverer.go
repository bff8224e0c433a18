package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/models"
)

const (
	userAgent      = "imagegate-webhook/1.0"
	requestTimeout = 10 * time.Second
	// maxAttempts bounds total delivery attempts per event. After
	// exhaustion the event is logged and dropped; delivery is
	// at-least-once, not guaranteed.
	maxAttempts = 8
)

// Delivery pairs an event with its destination.
type Delivery struct {
	Event  models.WebhookEvent
	URL    string
	Secret string
}

// Deliverer signs and POSTs webhook events with bounded exponential
// retries. A per-destination circuit breaker stops hammering endpoints that
// are clearly down; broken-circuit events are dropped early.
type Deliverer struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	queue chan Delivery

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDeliverer creates a deliverer with an internal buffer of pending
// events. client may be nil.
func NewDeliverer(client *http.Client, m *metrics.Metrics, logger *zap.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Deliverer{
		client:   client,
		logger:   logger,
		metrics:  m,
		queue:    make(chan Delivery, 1024),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Enqueue schedules an event for delivery. Non-blocking: when the buffer is
// full the event is dropped with a log line, honoring the at-least-once
// (not guaranteed) contract without stalling the executor.
func (d *Deliverer) Enqueue(delivery Delivery) {
	select {
	case d.queue <- delivery:
	default:
		d.logger.Error("webhook buffer full, dropping event",
			zap.String("event_id", delivery.Event.EventID),
			zap.String("job_id", delivery.Event.JobID))
		d.metrics.WebhookDelivery.WithLabelValues("dropped").Inc()
	}
}

// Run consumes and delivers events until the context is canceled.
func (d *Deliverer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.Deliver(ctx, delivery)
		}
	}
}

// Deliver attempts one event end to end, including retries.
func (d *Deliverer) Deliver(ctx context.Context, delivery Delivery) {
	body, err := json.Marshal(delivery.Event)
	if err != nil {
		d.logger.Error("webhook payload marshal failed",
			zap.String("event_id", delivery.Event.EventID), zap.Error(err))
		return
	}
	signature := Sign(body, delivery.Secret)

	backoff := retry.WithMaxRetries(maxAttempts-1,
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second)))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		postErr := d.post(ctx, delivery.URL, body, signature)
		if postErr == nil {
			return nil
		}
		d.logger.Warn("webhook delivery attempt failed",
			zap.String("event_id", delivery.Event.EventID),
			zap.Int("attempt", attempt),
			zap.Error(postErr))
		return postErr
	})

	if err != nil {
		d.logger.Error("webhook delivery exhausted",
			zap.String("event_id", delivery.Event.EventID),
			zap.String("job_id", delivery.Event.JobID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		d.metrics.WebhookDelivery.WithLabelValues("failed").Inc()
		return
	}
	d.metrics.WebhookDelivery.WithLabelValues("delivered").Inc()
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte, signature string) error {
	breaker := d.breakerFor(url)
	_, err := breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("X-Signature", signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, retry.RetryableError(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, retry.RetryableError(fmt.Errorf("WEBHOOK_HTTP_%d", resp.StatusCode))
		}
		return nil, nil
	})
	return err
}

func (d *Deliverer) breakerFor(url string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[url]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    url,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 16
		},
	})
	d.breakers[url] = b
	return b
}
