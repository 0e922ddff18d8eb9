package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every Redis transport failure returned by [Store].
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrPresenceCorrupt is returned when a stored record cannot be decoded.
var ErrPresenceCorrupt = errors.New("presence record corrupt")

const minPresenceTTL = time.Second

const trackScript = `
local created = redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX")
if not created then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 0
end
if ARGV[3] ~= "" then
  redis.call("SADD", KEYS[2], ARGV[3])
end
redis.call("INCR", KEYS[3])
return 1
`

var trackLua = redis.NewScript(trackScript)

const untrackScript = `
local existed = redis.call("EXISTS", KEYS[1])
if ARGV[1] ~= "" then
  redis.call("SREM", KEYS[2], ARGV[1])
end
if existed == 1 then
  redis.call("DEL", KEYS[1])
  local count = tonumber(redis.call("GET", KEYS[3]) or "0")
  if count > 1 then
    redis.call("DECR", KEYS[3])
  elseif count == 1 then
    redis.call("DEL", KEYS[3])
  end
end
return existed
`

var untrackLua = redis.NewScript(untrackScript)

// Store is a Redis-backed registry of live connections.
//
// Each record expires after its TTL unless refreshed with [Store.Touch], so a
// crashed node's connections disappear on their own.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore creates a presence [Store]. prefix namespaces every key; ttl is the
// record lifetime between touches (minimum one second).
func NewStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if ttl < minPresenceTTL {
		ttl = minPresenceTTL
	}
	if prefix == "" {
		prefix = "sp"
	}
	return &Store{redis: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) connKey(connID string) string {
	return s.prefix + ":c:" + connID
}

func (s *Store) subjectKey(subjectID string) string {
	return s.prefix + ":u:" + subjectID
}

func (s *Store) countKey() string {
	return s.prefix + ":count"
}

// Track records p. Re-tracking an existing connection refreshes the record
// without double counting.
//
//	Performance: 1 Lua script (SET NX + SADD + INCR).
func (s *Store) Track(ctx context.Context, p *Presence) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}

	err = trackLua.Run(ctx, s.redis,
		[]string{s.connKey(p.ConnID), s.subjectKey(p.SubjectID), s.countKey()},
		data, s.ttl.Milliseconds(), p.SubjectID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Touch updates the last-seen time of a tracked connection and extends its
// TTL. Touching an unknown connection is a no-op.
func (s *Store) Touch(ctx context.Context, connID string, now time.Time) error {
	p, err := s.Get(ctx, connID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	p.LastSeen = now.Unix()

	data, err := Encode(p)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.connKey(connID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Untrack removes a connection. It is idempotent and reports whether a record
// existed.
//
//	Performance: 1 Lua script (EXISTS + SREM + DEL + counter decrement).
func (s *Store) Untrack(ctx context.Context, connID, subjectID string) (bool, error) {
	existed, err := untrackLua.Run(ctx, s.redis,
		[]string{s.connKey(connID), s.subjectKey(subjectID), s.countKey()},
		subjectID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return existed == 1, nil
}

// Get returns the record for connID, or redis.Nil when none is tracked.
func (s *Store) Get(ctx context.Context, connID string) (*Presence, error) {
	data, err := s.redis.Get(ctx, s.connKey(connID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPresenceCorrupt, err)
	}
	return p, nil
}

// SubjectConnections returns the live connection IDs of a subject. Index
// entries whose record has expired are pruned.
func (s *Store) SubjectConnections(ctx context.Context, subjectID string) ([]string, error) {
	key := s.subjectKey(subjectID)
	ids, err := s.redis.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		existsCmds[i] = pipe.Exists(ctx, s.connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	live := make([]string, 0, len(ids))
	var stale []any
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			live = append(live, ids[i])
			continue
		}
		stale = append(stale, ids[i])
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, key, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return live, nil
}

// Count returns the tracked connection counter. The counter is maintained by
// Track and Untrack; records that expire without Untrack are not subtracted.
func (s *Store) Count(ctx context.Context) (int, error) {
	count, err := s.redis.Get(ctx, s.countKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the connection counter. Servers call it at startup when they
// own the whole prefix.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.countKey()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
