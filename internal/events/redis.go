package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	fieldKey      = "key"
	fieldEnvelope = "envelope"
)

// Lease scripts only touch the key when the caller still owns it.
var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// PartitionFor maps a key onto one of n partitions.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

type StreamsOptions struct {
	Topic      string
	Partitions int
	Group      string
}

// RedisStreams is the production transport: one Redis stream per partition
// plus a dead-letter stream, consumed through a single consumer group.
type RedisStreams struct {
	client     *redis.Client
	topic      string
	partitions int
	group      string
}

func NewRedisStreams(client *redis.Client, opts StreamsOptions) *RedisStreams {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	return &RedisStreams{
		client:     client,
		topic:      opts.Topic,
		partitions: opts.Partitions,
		group:      opts.Group,
	}
}

func (r *RedisStreams) Partitions() int { return r.partitions }

func (r *RedisStreams) StreamKey(partition int) string {
	return fmt.Sprintf("%s:%d", r.topic, partition)
}

func (r *RedisStreams) DeadLetterKey() string { return r.topic + ":dlq" }

func (r *RedisStreams) leaseKey(partition int) string {
	return fmt.Sprintf("%s:%d:lease", r.topic, partition)
}

// Send appends payload to the key's partition stream. The returned entry
// id is Redis' acknowledgement that the write happened. Streams are never
// capped on write; Trim removes entries once the group is done with them.
func (r *RedisStreams) Send(ctx context.Context, key string, payload []byte) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.StreamKey(PartitionFor(key, r.partitions)),
		Values: map[string]any{fieldKey: key, fieldEnvelope: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on every partition stream.
func (r *RedisStreams) EnsureGroup(ctx context.Context) error {
	for p := 0; p < r.partitions; p++ {
		err := r.client.XGroupCreateMkStream(ctx, r.StreamKey(p), r.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", r.StreamKey(p), err)
		}
	}
	return nil
}

// AcquireLease grants owner exclusive consumption of a partition for ttl.
// An owner that already holds the lease gets it extended.
func (r *RedisStreams) AcquireLease(ctx context.Context, partition int, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.leaseKey(partition), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	return r.RenewLease(ctx, partition, owner, ttl)
}

func (r *RedisStreams) RenewLease(ctx context.Context, partition int, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLease.Run(ctx, r.client, []string{r.leaseKey(partition)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStreams) ReleaseLease(ctx context.Context, partition int, owner string) error {
	if err := releaseLease.Run(ctx, r.client, []string{r.leaseKey(partition)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ClaimPending moves every entry still pending in the group for this
// partition to consumer and returns them in stream order. Entries left
// behind by a crashed owner are recovered this way.
func (r *RedisStreams) ClaimPending(ctx context.Context, partition int, consumer string) ([]Message, error) {
	stream := r.StreamKey(partition)
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.group,
			Consumer: consumer,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
		}
		for _, m := range msgs {
			out = append(out, toMessage(partition, m))
		}
		if next == "0-0" || next == "" {
			break
		}
		start = next
	}
	sort.SliceStable(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

// Read blocks up to block for new entries on the partition.
func (r *RedisStreams) Read(ctx context.Context, partition int, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumer,
		Streams:  []string{r.StreamKey(partition), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(partition, m))
		}
	}
	return out, nil
}

func (r *RedisStreams) Ack(ctx context.Context, msg Message) error {
	if err := r.client.XAck(ctx, r.StreamKey(msg.Partition), r.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msg.ID, err)
	}
	return nil
}

// Trim deletes the partition's entries the group has delivered and
// acknowledged: everything below the oldest pending entry, or below the
// last delivered one when nothing is pending. Undelivered and pending
// entries are never removed.
func (r *RedisStreams) Trim(ctx context.Context, partition int) (int64, error) {
	stream := r.StreamKey(partition)
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	floor := ""
	for _, g := range groups {
		if g.Name == r.group {
			floor = g.LastDeliveredID
		}
	}
	if floor == "" || floor == "0-0" {
		return 0, nil
	}

	pending, err := r.client.XPending(ctx, stream, r.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if pending.Count > 0 && lessID(pending.Lower, floor) {
		floor = pending.Lower
	}

	n, err := r.client.XTrimMinID(ctx, stream, floor).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return n, nil
}

// DeadLetter parks msg on the dead-letter stream and acknowledges the
// original in one MULTI block.
func (r *RedisStreams) DeadLetter(ctx context.Context, msg Message, reason string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.DeadLetterKey(),
			Values: map[string]any{
				"reason":      reason,
				"error":       errText,
				"partition":   msg.Partition,
				"stream_id":   msg.ID,
				fieldKey:      msg.Key,
				fieldEnvelope: msg.Payload,
				"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		pipe.XAck(ctx, r.StreamKey(msg.Partition), r.group, msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetterEntry is a parked message as stored on the dead-letter stream.
type DeadLetterEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
	Partition string `json:"partition"`
	StreamID  string `json:"stream_id"`
	Key       string `json:"key"`
	Envelope  string `json:"envelope"`
	FailedAt  string `json:"failed_at"`
}

// ListDeadLetters returns up to count parked messages, newest first.
func (r *RedisStreams) ListDeadLetters(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.DeadLetterKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDeadLetter(m))
	}
	return out, nil
}

// Replay republishes a parked message onto its partition and removes it
// from the dead-letter stream. The ledger absorbs any duplicate this
// creates.
func (r *RedisStreams) Replay(ctx context.Context, id string) (string, error) {
	msgs, err := r.client.XRange(ctx, r.DeadLetterKey(), id, id).Result()
	if err != nil {
		return "", fmt.Errorf("xrange: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("dead letter %s not found", id)
	}
	dl := toDeadLetter(msgs[0])
	if _, err := DecodeEnvelope([]byte(dl.Envelope)); err != nil {
		return "", err
	}

	newID, err := r.Send(ctx, dl.Key, []byte(dl.Envelope))
	if err != nil {
		return "", err
	}
	if err := r.client.XDel(ctx, r.DeadLetterKey(), id).Err(); err != nil {
		return newID, fmt.Errorf("xdel %s: %w", id, err)
	}
	return newID, nil
}

func toMessage(partition int, m redis.XMessage) Message {
	return Message{
		ID:        m.ID,
		Partition: partition,
		Key:       stringValue(m.Values[fieldKey]),
		Payload:   []byte(stringValue(m.Values[fieldEnvelope])),
	}
}

func toDeadLetter(m redis.XMessage) DeadLetterEntry {
	return DeadLetterEntry{
		ID:        m.ID,
		Reason:    stringValue(m.Values["reason"]),
		Error:     stringValue(m.Values["error"]),
		Partition: stringValue(m.Values["partition"]),
		StreamID:  stringValue(m.Values["stream_id"]),
		Key:       stringValue(m.Values[fieldKey]),
		Envelope:  stringValue(m.Values[fieldEnvelope]),
		FailedAt:  stringValue(m.Values["failed_at"]),
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// lessID orders stream ids ("ms-seq") numerically.
func lessID(a, b string) bool {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func splitID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m, s
}
