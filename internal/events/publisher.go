package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
)

// ErrPublishExhausted wraps the last transport error once every attempt
// has failed.
var ErrPublishExhausted = errors.New("publish retries exhausted")

// Transport sends one payload under a partitioning key and returns the id
// the broker acknowledged it with.
type Transport interface {
	Send(ctx context.Context, key string, payload []byte) (string, error)
}

// Backoff is a capped exponential delay schedule.
type Backoff struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 100 * time.Millisecond, Factor: 2, Max: 2 * time.Second, MaxAttempts: 10}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d = time.Duration(float64(d) * b.Factor)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Publisher struct {
	transport Transport
	backoff   Backoff
	log       *zap.Logger
	now       func() time.Time
}

func NewPublisher(t Transport, b Backoff, log *zap.Logger) *Publisher {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultBackoff().MaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{transport: t, backoff: b, log: log, now: time.Now}
}

// Publish returns only once the transport has acknowledged the event, or
// fails with ErrPublishExhausted (or the context error). A nil error means
// the event is durable and will be delivered at least once.
func (p *Publisher) Publish(ctx context.Context, ev domain.WebhookEvent) (string, error) {
	env := NewEnvelope(ev, p.now())
	payload, err := env.Encode()
	if err != nil {
		return "", err
	}
	key := env.Key()
	log := p.log.With(zap.String("tx_id", key))

	var lastErr error
	for attempt := 1; attempt <= p.backoff.MaxAttempts; attempt++ {
		id, err := p.transport.Send(ctx, key, payload)
		if err == nil {
			publishedTotal.WithLabelValues("ok").Inc()
			log.Debug("event published", zap.String("stream_id", id), zap.Int("attempt", attempt))
			return id, nil
		}
		lastErr = err
		publishedTotal.WithLabelValues("retry").Inc()
		log.Warn("publish attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == p.backoff.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.backoff.Delay(attempt)); err != nil {
			return "", fmt.Errorf("publish %s: %w", key, err)
		}
	}

	publishedTotal.WithLabelValues("exhausted").Inc()
	log.Error("event not published", zap.Int("attempts", p.backoff.MaxAttempts), zap.Error(lastErr))
	return "", fmt.Errorf("%w: %w", ErrPublishExhausted, lastErr)
}
