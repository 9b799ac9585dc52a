package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/coord"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
)

// ErrPoolEmpty is returned by Claim when no sandbox is available
var ErrPoolEmpty = errors.New("no sandbox available")

// ReleaseOutcome classifies the result of a release
type ReleaseOutcome string

const (
	ReleaseOK      ReleaseOutcome = "released"
	ReleaseDouble  ReleaseOutcome = "double_release"
	ReleaseUnknown ReleaseOutcome = "unknown"
)

const releasedPrefix = "executor:released:"

// claimScript atomically pops an available sandbox and sets its busy
// marker with TTL. One round-trip, at most one claimer per slot.
//
// KEYS[1] = available list
// ARGV[1] = claiming eval id, ARGV[2] = ttl seconds
// Returns {url, remaining} or false when the pool is empty.
var claimScript = redis.NewScript(`
local url = redis.call('RPOP', KEYS[1])
if not url then
	return false
end
redis.call('SET', '` + coord.KeyBusyPrefix + `' .. url, ARGV[1], 'EX', tonumber(ARGV[2]))
return {url, redis.call('LLEN', KEYS[1])}
`)

// releaseScript is the idempotent release: delete the busy marker, scan
// the available list, and push iff the marker existed and the URL is not
// already listed. One round-trip. Returns {outcome, interval_ms} where
// interval_ms is the time since the previous release of this slot
// (-1 when unknown).
//
// KEYS[1] = available list
// ARGV[1] = sandbox url, ARGV[2] = now unix ms
var releaseScript = redis.NewScript(`
local url = ARGV[1]
local now = tonumber(ARGV[2])
local existed = redis.call('DEL', '` + coord.KeyBusyPrefix + `' .. url)
local listed = 0
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #items do
	if items[i] == url then
		listed = 1
		break
	end
end
if existed == 1 and listed == 0 then
	redis.call('LPUSH', KEYS[1], url)
	redis.call('SET', '` + releasedPrefix + `' .. url, now, 'EX', 3600)
	return {'released', -1}
end
if listed == 1 then
	local prev = redis.call('GET', '` + releasedPrefix + `' .. url)
	local interval = -1
	if prev then
		interval = now - tonumber(prev)
	end
	return {'double_release', interval}
end
return {'unknown', -1}
`)

// seedScript adds a sandbox to the available list iff it is neither
// listed nor busy; pool initialization is idempotent across restarts.
//
// KEYS[1] = available list
// ARGV[1] = sandbox url
var seedScript = redis.NewScript(`
local url = ARGV[1]
if redis.call('EXISTS', '` + coord.KeyBusyPrefix + `' .. url) == 1 then
	return 0
end
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #items do
	if items[i] == url then
		return 0
	end
end
redis.call('LPUSH', KEYS[1], url)
return 1
`)

// Allocator atomically claims and releases sandbox slots against the
// coordination store. It is stateless with respect to evaluations: it
// mutates pool state only and never publishes lifecycle events.
type Allocator struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// Config holds allocator configuration
type Config struct {
	// BusyMarkerTTL bounds how long a crashed claimer can hold a slot
	BusyMarkerTTL time.Duration
}

// New creates an allocator against the coordination store
func New(client *redis.Client, cfg Config) *Allocator {
	ttl := cfg.BusyMarkerTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Allocator{
		client: client,
		ttl:    ttl,
		logger: log.WithComponent("allocator"),
	}
}

// Seed adds one sandbox to the available list iff it is neither listed
// nor currently busy. Reports whether the slot was added.
func (a *Allocator) Seed(ctx context.Context, url string) (bool, error) {
	n, err := seedScript.Run(ctx, a.client, []string{coord.KeyAvailable}, url).Int()
	if err != nil {
		return false, fmt.Errorf("failed to seed sandbox %s: %w", url, err)
	}
	return n == 1, nil
}

// Initialize seeds the pool with the configured sandbox fleet. Slots
// already listed or currently busy are left alone.
func (a *Allocator) Initialize(ctx context.Context, sandboxes []string) error {
	added := 0
	for _, url := range sandboxes {
		seeded, err := a.Seed(ctx, url)
		if err != nil {
			return err
		}
		if seeded {
			added++
		}
	}

	available, err := a.Available(ctx)
	if err != nil {
		return err
	}
	metrics.SandboxesAvailable.Set(float64(available))

	a.logger.Info().Int("seeded", added).Int64("available", available).Msg("sandbox pool initialized")
	return nil
}

// Claim atomically reserves one sandbox for the evaluation. Returns
// ErrPoolEmpty when no slot is free.
func (a *Allocator) Claim(ctx context.Context, evalID string) (string, error) {
	res, err := claimScript.Run(ctx, a.client, []string{coord.KeyAvailable}, evalID, int(a.ttl.Seconds())).Result()
	if errors.Is(err, redis.Nil) || res == nil {
		metrics.SandboxClaimsTotal.WithLabelValues("empty").Inc()
		return "", ErrPoolEmpty
	}
	if err != nil {
		return "", fmt.Errorf("claim failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", fmt.Errorf("claim returned unexpected result: %v", res)
	}
	url, _ := vals[0].(string)
	if remaining, ok := vals[1].(int64); ok {
		metrics.SandboxesAvailable.Set(float64(remaining))
	}

	metrics.SandboxClaimsTotal.WithLabelValues("claimed").Inc()
	a.logger.Debug().Str("sandbox", url).Str("eval_id", evalID).Msg("sandbox claimed")
	return url, nil
}

// Release returns a sandbox to the pool. Strictly idempotent: the
// dispatcher wires it as both the success and failure continuation of
// phase 2, and dual execution of those continuations is a known
// occurrence. A second signal is detected, classified, and counted;
// pool state is never corrupted.
func (a *Allocator) Release(ctx context.Context, url, evalID string) (ReleaseOutcome, error) {
	now := time.Now().UnixMilli()
	res, err := releaseScript.Run(ctx, a.client, []string{coord.KeyAvailable}, url, now).Result()
	if err != nil {
		return "", fmt.Errorf("release failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", fmt.Errorf("release returned unexpected result: %v", res)
	}
	outcome := ReleaseOutcome(vals[0].(string))
	interval, _ := vals[1].(int64)

	metrics.SandboxReleasesTotal.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case ReleaseOK:
		if available, err := a.Available(ctx); err == nil {
			metrics.SandboxesAvailable.Set(float64(available))
		}
		a.logger.Debug().Str("sandbox", url).Str("eval_id", evalID).Msg("sandbox released")

	case ReleaseDouble:
		metrics.DoubleReleasesTotal.Inc()
		evt := a.logger.Warn().
			Str("sandbox", url).
			Str("eval_id", evalID).
			Int64("interval_ms", interval)
		if interval >= 0 && interval < 1000 {
			evt = evt.Str("classification", "probable dual-callback")
		}
		evt.Msg("double release detected")

	case ReleaseUnknown:
		a.logger.Warn().Str("sandbox", url).Str("eval_id", evalID).Msg("release of unknown sandbox")
	}

	return outcome, nil
}

// Available returns the number of free slots in the pool
func (a *Allocator) Available(ctx context.Context) (int64, error) {
	n, err := a.client.LLen(ctx, coord.KeyAvailable).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pool: %w", err)
	}
	return n, nil
}

// BusyMarkers returns the sandbox URL → claiming eval id map for every
// currently-held slot. Used by the pool reconciler.
func (a *Allocator) BusyMarkers(ctx context.Context) (map[string]string, error) {
	markers := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, coord.KeyBusyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan busy markers: %w", err)
		}
		for _, key := range keys {
			evalID, err := a.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read busy marker %s: %w", key, err)
			}
			markers[key[len(coord.KeyBusyPrefix):]] = evalID
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return markers, nil
}
