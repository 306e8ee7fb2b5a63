package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/events"
)

func newTestStreams(t *testing.T, partitions int) (*events.RedisStreams, *redis.Client) {
	t.Helper()

	addr := os.Getenv("LEDGER_TEST_REDIS")
	if addr == "" {
		t.Skip("Skipping Redis-dependent test: LEDGER_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: ping failed (%v)", err)
	}

	topic := "test:" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), topic+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
		_ = client.Close()
	})

	return events.NewRedisStreams(client, events.StreamsOptions{
		Topic:      topic,
		Partitions: partitions,
		Group:      "test-group",
	}), client
}

func TestRedisStreamsDeliverAckAndRecover(t *testing.T) {
	r, _ := newTestStreams(t, 2)
	ctx := context.Background()
	require.NoError(t, r.EnsureGroup(ctx))
	require.NoError(t, r.EnsureGroup(ctx), "group creation is idempotent")

	id := uuid.New()
	_, err := events.NewPublisher(r, fastBackoff, nil).Publish(ctx, testEvent(id, domain.OutcomeSuccess))
	require.NoError(t, err)
	p := events.PartitionFor(id.String(), 2)

	msgs, err := r.Read(ctx, p, "a", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id.String(), msgs[0].Key)
	env, err := events.DecodeEnvelope(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, id, env.TransactionID)

	// "a" never acks; "b" takes the partition over and recovers the entry.
	claimed, err := r.ClaimPending(ctx, p, "b")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)

	require.NoError(t, r.Ack(ctx, claimed[0]))
	claimed, err = r.ClaimPending(ctx, p, "b")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	msgs, err = r.Read(ctx, p, "b", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisStreamsDeadLetterAndReplay(t *testing.T) {
	r, _ := newTestStreams(t, 1)
	ctx := context.Background()
	require.NoError(t, r.EnsureGroup(ctx))

	id := uuid.New()
	_, err := events.NewPublisher(r, fastBackoff, nil).Publish(ctx, testEvent(id, domain.OutcomeSuccess))
	require.NoError(t, err)
	msgs, err := r.Read(ctx, 0, "a", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, r.DeadLetter(ctx, msgs[0], "insufficient_funds", assert.AnError))

	pending, err := r.ClaimPending(ctx, 0, "a")
	require.NoError(t, err)
	assert.Empty(t, pending, "dead-lettered entries are acknowledged")

	dead, err := r.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "insufficient_funds", dead[0].Reason)
	assert.Equal(t, id.String(), dead[0].Key)
	assert.Equal(t, msgs[0].ID, dead[0].StreamID)

	_, err = r.Replay(ctx, dead[0].ID)
	require.NoError(t, err)

	dead, err = r.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	msgs, err = r.Read(ctx, 0, "a", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id.String(), msgs[0].Key)
}

func TestRedisStreamsLeaseIsExclusive(t *testing.T) {
	r, _ := newTestStreams(t, 1)
	ctx := context.Background()
	ttl := time.Second

	ok, err := r.AcquireLease(ctx, 0, "a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLease(ctx, 0, "b", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.RenewLease(ctx, 0, "b", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.AcquireLease(ctx, 0, "a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquires its own lease")

	require.NoError(t, r.ReleaseLease(ctx, 0, "b"))
	ok, err = r.AcquireLease(ctx, 0, "b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is ignored")

	require.NoError(t, r.ReleaseLease(ctx, 0, "a"))
	ok, err = r.AcquireLease(ctx, 0, "b", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStreamsTrimKeepsUnacknowledgedEntries(t *testing.T) {
	r, client := newTestStreams(t, 1)
	ctx := context.Background()
	require.NoError(t, r.EnsureGroup(ctx))

	pub := events.NewPublisher(r, fastBackoff, nil)
	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		id := uuid.New()
		ids = append(ids, id)
		_, err := pub.Publish(ctx, testEvent(id, domain.OutcomeSuccess))
		require.NoError(t, err)
	}

	n, err := r.Trim(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing delivered, nothing trimmed")

	msgs, err := r.Read(ctx, 0, "a", 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for _, m := range msgs[:3] {
		require.NoError(t, r.Ack(ctx, m))
	}

	n, err = r.Trim(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	length, err := client.XLen(ctx, r.StreamKey(0)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(17), length)

	pending, err := r.ClaimPending(ctx, 0, "b")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[3].String(), pending[0].Key)

	rest, err := r.Read(ctx, 0, "b", 100, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, rest, 15)
	assert.Equal(t, ids[5].String(), rest[0].Key)
	assert.Equal(t, ids[19].String(), rest[14].Key)
}
