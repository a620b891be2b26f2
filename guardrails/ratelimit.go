package guardrails

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

type Limits struct {
	PerMinute int
	PerHour   int
}

// RateLimitWindow is a snapshot of one session's counters after a request.
// Counts include the request itself when it was allowed.
type RateLimitWindow struct {
	Allowed bool
	Minute  int
	Hour    int
}

// WindowStore keeps per-session sliding windows. It is the only state shared
// between concurrent calls, so implementations must be safe for concurrent use.
type WindowStore interface {
	Allow(ctx context.Context, sessionID string, now time.Time, limits Limits) (RateLimitWindow, error)
	Forget(ctx context.Context, sessionID string) error
}

// MemoryStore is a single-process WindowStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	lastGC  time.Time
}

var _ WindowStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) Allow(_ context.Context, sessionID string, now time.Time, limits Limits) (RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastGC) > hourWindow {
		s.gcLocked(now)
	}
	stamps := prune(s.windows[sessionID], now.Add(-hourWindow))
	w := RateLimitWindow{Hour: len(stamps)}
	minuteStart := now.Add(-minuteWindow)
	for _, ts := range stamps {
		if ts.After(minuteStart) {
			w.Minute++
		}
	}
	if (limits.PerMinute > 0 && w.Minute >= limits.PerMinute) || (limits.PerHour > 0 && w.Hour >= limits.PerHour) {
		s.windows[sessionID] = stamps
		return w, nil
	}
	s.windows[sessionID] = append(stamps, now)
	w.Allowed = true
	w.Minute++
	w.Hour++
	return w, nil
}

func (s *MemoryStore) Forget(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
	return nil
}

// Len is the number of sessions currently tracked.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) gcLocked(now time.Time) {
	cutoff := now.Add(-hourWindow)
	for id, stamps := range s.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(s.windows, id)
		}
	}
	s.lastGC = now
}

// prune drops timestamps at or before cutoff. Stamps are kept in order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

// allowScript checks and records a request atomically. Scores are unix
// milliseconds; the minute count excludes the window's lower bound.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local perMinute = tonumber(ARGV[2])
local perHour = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - 3600000)
local hour = redis.call('ZCARD', key)
local minute = redis.call('ZCOUNT', key, '(' .. (now - 60000), '+inf')
if (perMinute > 0 and minute >= perMinute) or (perHour > 0 and hour >= perHour) then
  return {0, minute, hour}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, 3600000)
return {1, minute + 1, hour + 1}
`)

// RedisStore shares windows between instances through sorted sets.
type RedisStore struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
}

var _ WindowStore = (*RedisStore)(nil)

type RedisStoreParams struct {
	// Existing client. When set, Close leaves it open.
	Client redis.UniversalClient
	// URL used to create a dedicated client when Client is nil,
	// e.g. redis://localhost:6379/0.
	URL string
	// Defaults to "salon:ratelimit".
	KeyPrefix string
}

func NewRedisStore(ctx context.Context, params RedisStoreParams) (*RedisStore, error) {
	client := params.Client
	ownsClient := false
	if client == nil {
		if params.URL == "" {
			return nil, fmt.Errorf("redis client or url is required")
		}
		opts, err := redis.ParseURL(params.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		ownsClient = true
	}
	s := &RedisStore{
		client:     client,
		ownsClient: ownsClient,
		keyPrefix:  cmp.Or(params.KeyPrefix, "salon:ratelimit"),
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis is not reachable: %w", err)
	}
	return s, nil
}

func (s *RedisStore) key(sessionID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, sessionID)
}

func (s *RedisStore) Allow(ctx context.Context, sessionID string, now time.Time, limits Limits) (RateLimitWindow, error) {
	res, err := allowScript.Run(ctx, s.client, []string{s.key(sessionID)},
		now.UnixMilli(), limits.PerMinute, limits.PerHour, uuid.NewString()).Int64Slice()
	if err != nil {
		return RateLimitWindow{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return RateLimitWindow{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return RateLimitWindow{Allowed: res[0] == 1, Minute: int(res[1]), Hour: int(res[2])}, nil
}

func (s *RedisStore) Forget(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("forget rate limit window: %w", err)
	}
	return nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
