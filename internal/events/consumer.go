package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
)

// Dead-letter reasons set by the consumer itself; the rest come from
// ledger.ReasonOf.
const (
	ReasonMalformedEnvelope = "malformed_envelope"
	ReasonRetriesExhausted  = "retries_exhausted"
)

var errLeaseLost = errors.New("partition lease lost")

// Message is one delivered stream entry.
type Message struct {
	ID        string
	Partition int
	Key       string
	Payload   []byte
}

// Broker is the consuming side of the transport.
type Broker interface {
	Partitions() int
	EnsureGroup(ctx context.Context) error
	AcquireLease(ctx context.Context, partition int, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, partition int, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, partition int, owner string) error
	ClaimPending(ctx context.Context, partition int, consumer string) ([]Message, error)
	Read(ctx context.Context, partition int, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	DeadLetter(ctx context.Context, msg Message, reason string, cause error) error
	Trim(ctx context.Context, partition int) (int64, error)
}

// Handler applies one event. *ledger.Updater implements it.
type Handler interface {
	Process(ctx context.Context, ev domain.WebhookEvent) (ledger.Result, error)
}

type ConsumerOptions struct {
	Name          string
	MaxDeliveries int
	LeaseTTL      time.Duration
	BatchSize     int64
	Block         time.Duration
	TrimInterval  time.Duration
	Backoff       Backoff
	Logger        *zap.Logger
}

// Consumer drains every partition, one goroutine each. A partition is only
// read while this consumer holds its lease, and its messages are handled
// strictly in order.
type Consumer struct {
	broker  Broker
	handler Handler
	opts    ConsumerOptions
	log     *zap.Logger
}

func NewConsumer(b Broker, h Handler, opts ConsumerOptions) *Consumer {
	if opts.Name == "" {
		opts.Name = "consumer"
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 10
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = time.Minute
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{broker: b, handler: h, opts: opts, log: log.With(zap.String("consumer", opts.Name))}
}

// Run blocks until ctx is cancelled or a partition worker fails.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.EnsureGroup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < c.broker.Partitions(); p++ {
		g.Go(func() error { return c.runPartition(ctx, p) })
	}
	c.log.Info("consumer started", zap.Int("partitions", c.broker.Partitions()))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) runPartition(ctx context.Context, p int) error {
	log := c.log.With(zap.Int("partition", p))
	retry := c.opts.LeaseTTL / 3

	for ctx.Err() == nil {
		ok, err := c.broker.AcquireLease(ctx, p, c.opts.Name, c.opts.LeaseTTL)
		if err != nil {
			log.Warn("lease acquisition failed", zap.Error(err))
		}
		if !ok {
			if err := sleep(ctx, retry); err != nil {
				return nil
			}
			continue
		}

		log.Info("partition lease acquired")
		err = c.consume(ctx, p, log)

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if rerr := c.broker.ReleaseLease(releaseCtx, p, c.opts.Name); rerr != nil {
			log.Warn("lease release failed", zap.Error(rerr))
		}
		cancel()

		if err != nil && ctx.Err() == nil {
			log.Warn("partition consumption stopped", zap.Error(err))
		}
	}
	return nil
}

// consume processes the partition until ctx ends or the lease is lost.
// Pending entries are handled before new ones. When an entry cannot be
// acked or dead-lettered it stays pending, and reading stops until it has
// been reclaimed and settled, so later entries for its key never overtake
// it.
func (c *Consumer) consume(ctx context.Context, p int, log *zap.Logger) error {
	leaseCtx, cancel := context.WithCancelCause(ctx)

	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		c.keepLease(leaseCtx, cancel, p, log)
	}()
	defer cancel(nil)

	reclaim := true
	lastTrim := time.Now()
	for leaseCtx.Err() == nil {
		if reclaim {
			reclaim = !c.drainPending(leaseCtx, p, log)
			if reclaim {
				if err := sleep(leaseCtx, c.opts.Backoff.Initial); err != nil {
					break
				}
			}
			continue
		}

		msgs, err := c.broker.Read(leaseCtx, p, c.opts.Name, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if leaseCtx.Err() != nil {
				break
			}
			log.Warn("read failed", zap.Error(err))
			if err := sleep(leaseCtx, c.opts.Backoff.Initial); err != nil {
				break
			}
			continue
		}
		for _, msg := range msgs {
			if !c.handle(leaseCtx, msg, log) {
				reclaim = true
				break
			}
		}

		if time.Since(lastTrim) >= c.opts.TrimInterval {
			lastTrim = time.Now()
			c.trim(leaseCtx, p, log)
		}
	}
	return context.Cause(leaseCtx)
}

// drainPending claims and settles every pending entry of the partition. It
// reports false when one of them could not be settled.
func (c *Consumer) drainPending(ctx context.Context, p int, log *zap.Logger) bool {
	pending, err := c.broker.ClaimPending(ctx, p, c.opts.Name)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("claim pending failed", zap.Error(err))
		}
		return false
	}
	if len(pending) > 0 {
		log.Info("recovering pending messages", zap.Int("count", len(pending)))
	}
	for _, msg := range pending {
		if !c.handle(ctx, msg, log) {
			return false
		}
	}
	return true
}

func (c *Consumer) trim(ctx context.Context, p int, log *zap.Logger) {
	n, err := c.broker.Trim(ctx, p)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("stream trim failed", zap.Error(err))
		}
		return
	}
	trimmedTotal.Add(float64(n))
	if n > 0 {
		log.Debug("stream trimmed", zap.Int64("removed", n))
	}
}

func (c *Consumer) keepLease(ctx context.Context, cancel context.CancelCauseFunc, p int, log *zap.Logger) {
	ticker := time.NewTicker(c.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.broker.RenewLease(ctx, p, c.opts.Name, c.opts.LeaseTTL)
			if err != nil {
				log.Warn("lease renewal failed", zap.Error(err))
			}
			if !ok && ctx.Err() == nil {
				cancel(errLeaseLost)
				return
			}
		}
	}
}

// handle settles one message: it acks or dead-letters it. It reports
// false when the message is still pending afterwards, because ctx ended
// mid-retry or the ack or dead-letter write failed.
func (c *Consumer) handle(ctx context.Context, msg Message, log *zap.Logger) bool {
	log = log.With(zap.String("stream_id", msg.ID), zap.String("tx_id", msg.Key))

	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return c.deadLetter(ctx, msg, ReasonMalformedEnvelope, err, log)
	}

	for attempt := 1; ; attempt++ {
		res, err := c.handler.Process(ctx, env.WebhookEvent)

		switch ledger.Classify(err) {
		case ledger.Ack:
			outcome := "applied"
			if !res.Applied {
				outcome = "skipped"
			}
			processedTotal.WithLabelValues(outcome).Inc()
			if err := c.broker.Ack(ctx, msg); err != nil {
				log.Warn("ack failed, message will be reclaimed", zap.Error(err))
				return false
			}
			return true

		case ledger.DeadLetter:
			return c.deadLetter(ctx, msg, ledger.ReasonOf(err), err, log)

		case ledger.Retry:
			if ctx.Err() != nil {
				return false
			}
			processedTotal.WithLabelValues("retried").Inc()
			if attempt >= c.opts.MaxDeliveries {
				return c.deadLetter(ctx, msg, ReasonRetriesExhausted, err, log)
			}
			log.Warn("transient failure, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if sleep(ctx, c.opts.Backoff.Delay(attempt)) != nil {
				return false
			}
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, reason string, cause error, log *zap.Logger) bool {
	if err := c.broker.DeadLetter(ctx, msg, reason, cause); err != nil {
		log.Error("dead-letter write failed, message stays pending", zap.Error(fmt.Errorf("%s: %w", reason, err)))
		return false
	}
	processedTotal.WithLabelValues("dead_letter").Inc()
	log.Error("message dead-lettered", zap.String("reason", reason), zap.Error(cause))
	return true
}
