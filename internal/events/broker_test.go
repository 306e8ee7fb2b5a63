package events_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/events"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
)

type deadLetter struct {
	msg    events.Message
	reason string
	cause  error
}

// memBroker is an in-process stand-in for RedisStreams with the same
// partitioning, pending-list and lease semantics.
type memBroker struct {
	mu         sync.Mutex
	partitions int
	streams    [][]events.Message
	cursor     []int
	pending    []events.Message
	acked      []events.Message
	dead       []deadLetter
	leases     map[int]string
	seq        int
	sendFail   int
	sends      int
	ackFail    int
	trims      int
}

func newMemBroker(partitions int) *memBroker {
	return &memBroker{
		partitions: partitions,
		streams:    make([][]events.Message, partitions),
		cursor:     make([]int, partitions),
		leases:     make(map[int]string),
	}
}

func (b *memBroker) Send(_ context.Context, key string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++
	if b.sendFail > 0 {
		b.sendFail--
		return "", errors.New("broker unavailable")
	}
	b.seq++
	p := events.PartitionFor(key, b.partitions)
	msg := events.Message{ID: fmt.Sprintf("%d-0", b.seq), Partition: p, Key: key, Payload: append([]byte(nil), payload...)}
	b.streams[p] = append(b.streams[p], msg)
	return msg.ID, nil
}

func (b *memBroker) Partitions() int { return b.partitions }

func (b *memBroker) EnsureGroup(context.Context) error { return nil }

func (b *memBroker) AcquireLease(_ context.Context, p int, owner string, _ time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.leases[p]; ok && cur != owner {
		return false, nil
	}
	b.leases[p] = owner
	return true, nil
}

func (b *memBroker) RenewLease(_ context.Context, p int, owner string, _ time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leases[p] == owner, nil
}

func (b *memBroker) ReleaseLease(_ context.Context, p int, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leases[p] == owner {
		delete(b.leases, p)
	}
	return nil
}

func (b *memBroker) ClaimPending(_ context.Context, p int, _ string) ([]events.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Message
	for _, m := range b.pending {
		if m.Partition == p {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *memBroker) Read(ctx context.Context, p int, _ string, count int64, block time.Duration) ([]events.Message, error) {
	b.mu.Lock()
	if n := len(b.streams[p]) - b.cursor[p]; n > 0 {
		if int64(n) > count {
			n = int(count)
		}
		out := append([]events.Message(nil), b.streams[p][b.cursor[p]:b.cursor[p]+n]...)
		b.cursor[p] += n
		b.pending = append(b.pending, out...)
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()

	if block > 5*time.Millisecond {
		block = 5 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(block):
	}
	return nil, nil
}

func (b *memBroker) Ack(_ context.Context, msg events.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ackFail > 0 {
		b.ackFail--
		return errors.New("ack: connection reset")
	}
	b.removePending(msg.ID)
	b.acked = append(b.acked, msg)
	return nil
}

func (b *memBroker) DeadLetter(_ context.Context, msg events.Message, reason string, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removePending(msg.ID)
	b.dead = append(b.dead, deadLetter{msg: msg, reason: reason, cause: cause})
	return nil
}

// Trim only counts calls.
func (b *memBroker) Trim(context.Context, int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trims++
	return 0, nil
}

func (b *memBroker) removePending(id string) {
	for i, m := range b.pending {
		if m.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

// deliverUnacked hands the next n messages of partition p to a consumer
// that then disappears, leaving them pending.
func (b *memBroker) deliverUnacked(p, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[p][b.cursor[p] : b.cursor[p]+n]
	b.cursor[p] += n
	b.pending = append(b.pending, msgs...)
}

func (b *memBroker) setLease(p int, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner == "" {
		delete(b.leases, p)
		return
	}
	b.leases[p] = owner
}

func (b *memBroker) failAcks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackFail = n
}

func (b *memBroker) trimCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trims
}

func (b *memBroker) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.acked))
	for _, m := range b.acked {
		ids = append(ids, m.ID)
	}
	return ids
}

func (b *memBroker) settled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked) + len(b.dead)
}

func (b *memBroker) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *memBroker) deadLetters() []deadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]deadLetter(nil), b.dead...)
}

func (b *memBroker) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

type handlerFunc func(ctx context.Context, ev domain.WebhookEvent) (ledger.Result, error)

func (f handlerFunc) Process(ctx context.Context, ev domain.WebhookEvent) (ledger.Result, error) {
	return f(ctx, ev)
}
