// Package ratelimit throttles failed password grants with Redis counters.
//
// WINDOW SEMANTICS:
// Fixed-window counters. A Lua script runs INCR and, on the first hit of a
// window, PEXPIRE in one step, so a counter never exists without a TTL.
// Two counters are kept per attempt:
//
//	idp:login:u:<username>   failed grants for a username
//	idp:login:ip:<address>   failed grants from a client address
//
// Once either counter reaches MaxAttempts, Check refuses further attempts
// until the window expires. Failures for usernames that do not exist are
// counted the same way, so the throttle says nothing about which accounts
// exist.
//
// A successful grant clears the username counter only. The address counter
// runs until its window ends, whoever logs in from that address.
//
// CONCURRENCY:
// Check and Fail are separate calls. Requests that pass Check at the same
// moment are all verified, so a burst can overshoot MaxAttempts by up to
// the number of in-flight requests for the same key. The next Check after
// the burst refuses them all.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited means the caller exhausted its attempt budget.
	ErrRateLimited = errors.New("ratelimit: too many failed attempts")
	// ErrRedisUnavailable wraps any error talking to Redis.
	ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")
)

const keyPrefix = "idp:login:"

// Config holds the throttle parameters.
type Config struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// Limiter counts failed logins in Redis.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	return &Limiter{redis: client, config: cfg}
}

// Dial connects to the Redis server at rawURL (redis:// or rediss://) and
// checks that it answers.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return client, nil
}

// Check returns ErrRateLimited when username or ip is over budget.
// An empty ip is not tracked.
func (l *Limiter) Check(ctx context.Context, username, ip string) error {
	for _, key := range l.keys(username, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

// Fail records a failed attempt.
func (l *Limiter) Fail(ctx context.Context, username, ip string) error {
	for _, key := range l.keys(username, ip) {
		if err := l.incrementWithTTL(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the username counter after a successful grant. The address
// counter is left to expire on its own.
func (l *Limiter) Reset(ctx context.Context, username string) error {
	if err := l.redis.Del(ctx, userKey(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// incrScript increments KEYS[1] and starts its window on the first hit.
// A key found without a TTL (written by an older release) gets one too.
// One key per call keeps the script valid on Redis Cluster.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (l *Limiter) incrementWithTTL(ctx context.Context, key string) error {
	err := incrScript.Run(ctx, l.redis, []string{key}, l.config.Cooldown.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) keys(username, ip string) []string {
	keys := []string{userKey(username)}
	if ip != "" {
		keys = append(keys, ipKey(ip))
	}
	return keys
}

// Usernames are folded so that case variations share one budget.
func userKey(username string) string {
	return keyPrefix + "u:" + strings.ToLower(strings.TrimSpace(username))
}

func ipKey(ip string) string {
	return keyPrefix + "ip:" + ip
}
