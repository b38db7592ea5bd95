package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/model"
)

const redisBlockTimeout = 1000 // milliseconds

// NewRedisClient connects to Redis.
func NewRedisClient(addr string) (rueidis.Client, error) {
	return rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
}

// RedisWriter appends events to a Redis stream.
type RedisWriter struct {
	client rueidis.Client
	key    string
}

// NewRedisWriter creates a writer for the stream key.
func NewRedisWriter(client rueidis.Client, key string) *RedisWriter {
	return &RedisWriter{client: client, key: key}
}

// Append adds e to the stream and returns the entry ID.
func (w *RedisWriter) Append(ctx context.Context, e model.Event) (string, error) {
	fv := w.client.B().Xadd().Key(w.key).Id("*").FieldValue()
	for _, kv := range Fields(e) {
		fv = fv.FieldValue(kv[0], kv[1])
	}

	id, err := w.client.Do(ctx, fv.Build()).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to append event %s to %s: %w", e.ID, w.key, err)
	}

	return id, nil
}

// Entry is one message read from a consumer group.
type Entry struct {
	ID    string
	Event model.Event
	Err   error
}

// RedisReader reads a stream through a consumer group.
type RedisReader struct {
	client   rueidis.Client
	key      string
	group    string
	consumer string
	count    int64
	log      *slog.Logger
}

// NewRedisReader creates a consumer-group reader.
func NewRedisReader(client rueidis.Client, key, group, consumer string, l *slog.Logger) *RedisReader {
	return &RedisReader{
		client:   client,
		key:      key,
		group:    group,
		consumer: consumer,
		count:    10,
		log:      logger.Component(l, "stream-reader"),
	}
}

// EnsureGroup creates the consumer group, tolerating an existing one.
func (r *RedisReader) EnsureGroup(ctx context.Context) {
	cmd := r.client.B().XgroupCreate().Key(r.key).Group(r.group).Id("0").Mkstream().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		r.log.Info("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}
}

// Read blocks up to a second for new entries. A timeout returns no entries
// and no error. Entries that fail to decode carry Err.
func (r *RedisReader) Read(ctx context.Context) ([]Entry, error) {
	cmd := r.client.B().Xreadgroup().Group(r.group, r.consumer).
		Count(r.count).
		Block(redisBlockTimeout).
		Streams().
		Key(r.key).
		Id(">").
		Build()

	return r.entries(ctx, cmd)
}

// ReadPending returns entries already delivered to this consumer but never
// acked, oldest first, without blocking.
func (r *RedisReader) ReadPending(ctx context.Context) ([]Entry, error) {
	cmd := r.client.B().Xreadgroup().Group(r.group, r.consumer).
		Count(r.count).
		Streams().
		Key(r.key).
		Id("0").
		Build()

	return r.entries(ctx, cmd)
}

func (r *RedisReader) entries(ctx context.Context, cmd rueidis.Completed) ([]Entry, error) {
	streams, err := r.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	var entries []Entry
	for _, messages := range streams {
		for _, m := range messages {
			e, err := Decode(m.FieldValues)
			entries = append(entries, Entry{ID: m.ID, Event: e, Err: err})
		}
	}

	return entries, nil
}

// Ack acknowledges an entry.
func (r *RedisReader) Ack(ctx context.Context, id string) error {
	cmd := r.client.B().Xack().Key(r.key).Group(r.group).Id(id).Build()
	return r.client.Do(ctx, cmd).Error()
}
