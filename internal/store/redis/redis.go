// Package redis implements store.Gateway on Redis. Version-conditioned
// writes run as Lua scripts so the check and the write are one atomic
// step; the change feed rides on pub/sub. A sorted set of update times
// backs the "N most recently updated" subscription bound.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
	"github.com/soin8293/jd-tech-sub001/internal/store"
)

const (
	recordKeyPrefix = "rec:"
	recentKey       = "rec:recent"
	changeChannel   = "rec:changes"
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('record_exists')
end
redis.call('HSET', KEYS[1], 'version', 1, 'fields', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

var updateScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return redis.error_reply('record_not_found')
end
local expected = tonumber(ARGV[3])
if expected >= 0 and tonumber(v) ~= expected then
	return redis.error_reply('version_mismatch')
end
local next = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'version', next, 'fields', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return next
`)

var deleteScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return redis.error_reply('record_not_found')
end
local expected = tonumber(ARGV[1])
if expected >= 0 and tonumber(v) ~= expected then
	return redis.error_reply('version_mismatch')
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

type Gateway struct {
	client *redis.Client
	clock  clock.Clock
}

func New(client *redis.Client, clk clock.Clock) *Gateway {
	return &Gateway{client: client, clock: clk}
}

func (g *Gateway) Create(ctx context.Context, rec store.Record, origin string) (store.Record, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode fields: %w", err)
	}

	now := g.clock.Now()
	_, err = createScript.Run(ctx, g.client,
		[]string{recordKey(rec.ID), recentKey},
		fields, now.Format(time.RFC3339Nano), now.UnixNano(), rec.ID,
	).Result()
	if err != nil {
		return store.Record{}, mapScriptErr("create record", err)
	}

	rec = rec.Clone()
	rec.Version = 1
	rec.UpdatedAt = now
	g.publish(ctx, store.Change{Type: store.ChangeAdded, Record: rec, Origin: origin})
	return rec, nil
}

func (g *Gateway) Get(ctx context.Context, id string) (store.Record, error) {
	vals, err := g.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return store.Record{}, &domain.NetworkError{Op: "get record", Err: err}
	}
	if len(vals) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return decodeRecord(id, vals)
}

func (g *Gateway) Update(ctx context.Context, rec store.Record, expectedVersion int64, origin string) (store.Record, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode fields: %w", err)
	}

	now := g.clock.Now()
	next, err := updateScript.Run(ctx, g.client,
		[]string{recordKey(rec.ID), recentKey},
		fields, now.Format(time.RFC3339Nano), expectedVersion, now.UnixNano(), rec.ID,
	).Int64()
	if err != nil {
		return store.Record{}, mapScriptErr("update record", err)
	}

	rec = rec.Clone()
	rec.Version = next
	rec.UpdatedAt = now
	g.publish(ctx, store.Change{Type: store.ChangeModified, Record: rec, Origin: origin})
	return rec, nil
}

func (g *Gateway) Delete(ctx context.Context, id string, expectedVersion int64, origin string) error {
	_, err := deleteScript.Run(ctx, g.client,
		[]string{recordKey(id), recentKey},
		expectedVersion, id,
	).Result()
	if err != nil {
		return mapScriptErr("delete record", err)
	}
	g.publish(ctx, store.Change{Type: store.ChangeRemoved, Record: store.Record{ID: id}, Origin: origin})
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, filter store.Filter) (store.Subscription, error) {
	if filter.Limit > 0 && len(filter.IDs) == 0 {
		ids, err := g.client.ZRevRange(ctx, recentKey, 0, int64(filter.Limit)-1).Result()
		if err != nil {
			return nil, &domain.NetworkError{Op: "resolve recent records", Err: err}
		}
		filter.IDs = ids
	}

	pubsub := g.client.Subscribe(ctx, changeChannel)
	// Force the SUBSCRIBE round trip so a broken connection fails here,
	// not on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, &domain.NetworkError{Op: "subscribe", Err: err}
	}

	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan store.Change, 64),
	}
	go sub.pump(filter)
	return sub, nil
}

func (g *Gateway) publish(ctx context.Context, change store.Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	// Feed delivery is best effort; the reconciler resyncs on reconnect.
	_ = g.client.Publish(ctx, changeChannel, payload).Err()
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan store.Change
	once   sync.Once
}

func (s *subscription) pump(filter store.Filter) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var change store.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			continue
		}
		if !filter.Matches(change.Record.ID) {
			continue
		}
		s.ch <- change
	}
}

func (s *subscription) Changes() <-chan store.Change { return s.ch }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

func recordKey(id string) string { return recordKeyPrefix + id }

func decodeRecord(id string, vals map[string]string) (store.Record, error) {
	rec := store.Record{ID: id}
	if _, err := fmt.Sscanf(vals["version"], "%d", &rec.Version); err != nil {
		return store.Record{}, fmt.Errorf("decode version for %s: %w", id, err)
	}
	if raw := vals["fields"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
			return store.Record{}, fmt.Errorf("decode fields for %s: %w", id, err)
		}
	}
	if raw := vals["updated_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return store.Record{}, fmt.Errorf("decode updated_at for %s: %w", id, err)
		}
		rec.UpdatedAt = t
	}
	return rec, nil
}

func mapScriptErr(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "record_exists"):
		return store.ErrAlreadyExists
	case strings.Contains(msg, "record_not_found"):
		return store.ErrNotFound
	case strings.Contains(msg, "version_mismatch"):
		return store.ErrVersionMismatch
	default:
		return &domain.NetworkError{Op: op, Err: err}
	}
}
