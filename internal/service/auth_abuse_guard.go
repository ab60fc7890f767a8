package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

type AuthAbuseScope string

const AuthAbuseScopeLogin AuthAbuseScope = "login"

// AuthAbusePolicy describes the cooldown applied after repeated failed
// logins: FreeAttempts failures are tolerated, then the delay starts at
// BaseDelay and grows by Multiplier up to MaxDelay. Counters reset after
// ResetWindow without failures.
type AuthAbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

// AuthAbuseGuard tracks failed logins per normalized username and per
// client IP. The effective cooldown is the larger of the two.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

func normalizeAuthAbusePolicy(p AuthAbusePolicy) AuthAbusePolicy {
	if p.FreeAttempts <= 0 {
		p.FreeAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 15 * time.Minute
	}
	return p
}

func (p AuthAbusePolicy) delayFor(failures int) time.Duration {
	if failures <= p.FreeAttempts {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(failures-p.FreeAttempts-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func normalizeAuthIdentity(identity string) string {
	return domain.NormalizeUsername(identity)
}

type abuseSubject struct {
	kind  string
	value string
}

func abuseSubjects(identity, ip string) []abuseSubject {
	var out []abuseSubject
	if id := normalizeAuthIdentity(identity); id != "" {
		out = append(out, abuseSubject{kind: "id", value: id})
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		out = append(out, abuseSubject{kind: "ip", value: ip})
	}
	return out
}

type localAbuseState struct {
	failures      int
	lastFailure   time.Time
	cooldownUntil time.Time
}

type LocalAuthAbuseGuard struct {
	mu     sync.Mutex
	policy AuthAbusePolicy
	state  map[string]*localAbuseState
	now    func() time.Time
}

func NewLocalAuthAbuseGuard(policy AuthAbusePolicy) *LocalAuthAbuseGuard {
	return &LocalAuthAbuseGuard{
		policy: normalizeAuthAbusePolicy(policy),
		state:  make(map[string]*localAbuseState),
		now:    time.Now,
	}
}

func (g *LocalAuthAbuseGuard) key(scope AuthAbuseScope, s abuseSubject) string {
	return string(scope) + ":" + s.kind + ":" + s.value
}

func (g *LocalAuthAbuseGuard) Check(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var longest time.Duration
	for _, s := range abuseSubjects(identity, ip) {
		if st, ok := g.state[g.key(scope, s)]; ok {
			longest = max(longest, st.cooldownUntil.Sub(now))
		}
	}
	return max(longest, 0), nil
}

func (g *LocalAuthAbuseGuard) RegisterFailure(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var longest time.Duration
	for _, s := range abuseSubjects(identity, ip) {
		k := g.key(scope, s)
		st, ok := g.state[k]
		if !ok || now.Sub(st.lastFailure) > g.policy.ResetWindow {
			st = &localAbuseState{}
			g.state[k] = st
		}
		st.failures++
		st.lastFailure = now
		delay := g.policy.delayFor(st.failures)
		st.cooldownUntil = now.Add(delay)
		longest = max(longest, delay)
	}
	return longest, nil
}

func (g *LocalAuthAbuseGuard) Reset(_ context.Context, scope AuthAbuseScope, identity, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range abuseSubjects(identity, ip) {
		delete(g.state, g.key(scope, s))
	}
	return nil
}

// registerFailureScript updates one abuse hash atomically and returns the
// cooldown in milliseconds.
var registerFailureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
local last = tonumber(redis.call('HGET', KEYS[1], 'last_failure_ms') or '0')
if failures == nil or last == nil then
  return redis.error_reply('malformed abuse state')
end
local reset = tonumber(ARGV[6])
if last > 0 and now - last > reset then
  failures = 0
end
failures = failures + 1
local free = tonumber(ARGV[2])
local delay = 0
if failures > free then
  delay = tonumber(ARGV[3]) * (tonumber(ARGV[4]) ^ (failures - free - 1))
  local cap = tonumber(ARGV[5])
  if delay > cap then
    delay = cap
  end
  delay = math.floor(delay)
end
redis.call('HSET', KEYS[1], 'failures', failures, 'last_failure_ms', now, 'cooldown_until_ms', now + delay)
redis.call('PEXPIRE', KEYS[1], reset + delay)
return delay
`)

type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
	now    func() time.Time
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if prefix == "" {
		prefix = "auth_abuse"
	}
	return &RedisAuthAbuseGuard{
		client: client,
		prefix: prefix,
		policy: normalizeAuthAbusePolicy(policy),
		now:    time.Now,
	}
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, value string) string {
	return g.prefix + ":" + string(scope) + ":" + kind + ":" + value
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	nowMS := g.now().UnixMilli()
	var longest time.Duration
	for _, s := range abuseSubjects(identity, ip) {
		vals, err := g.client.HMGet(ctx, g.stateKey(scope, s.kind, s.value), "cooldown_until_ms").Result()
		if err != nil {
			return 0, fmt.Errorf("read abuse state: %w", err)
		}
		if len(vals) == 0 || vals[0] == nil {
			continue
		}
		raw, _ := vals[0].(string)
		until, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse abuse cooldown: %w", err)
		}
		longest = max(longest, time.Duration(until-nowMS)*time.Millisecond)
	}
	return max(longest, 0), nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	nowMS := g.now().UnixMilli()
	var longest time.Duration
	for _, s := range abuseSubjects(identity, ip) {
		ms, err := registerFailureScript.Run(ctx, g.client,
			[]string{g.stateKey(scope, s.kind, s.value)},
			nowMS,
			g.policy.FreeAttempts,
			g.policy.BaseDelay.Milliseconds(),
			g.policy.Multiplier,
			g.policy.MaxDelay.Milliseconds(),
			g.policy.ResetWindow.Milliseconds(),
		).Int64()
		if err != nil {
			return 0, fmt.Errorf("register abuse failure: %w", err)
		}
		longest = max(longest, time.Duration(ms)*time.Millisecond)
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	subjects := abuseSubjects(identity, ip)
	if len(subjects) == 0 {
		return nil
	}
	keys := make([]string, 0, len(subjects))
	for _, s := range subjects {
		keys = append(keys, g.stateKey(scope, s.kind, s.value))
	}
	if err := g.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset abuse state: %w", err)
	}
	return nil
}
