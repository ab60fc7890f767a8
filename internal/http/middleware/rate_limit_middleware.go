package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/observability"
)

// WindowPolicy allows Limit requests per key in each fixed Window.
type WindowPolicy struct {
	Limit  int
	Window time.Duration
}

func (p WindowPolicy) normalized() WindowPolicy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy WindowPolicy) (Decision, error)
}

// FailureMode decides what happens when the limiter backend errors.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

type RateLimiter struct {
	limiter Limiter
	policy  WindowPolicy
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

// NewRateLimiter limits per client IP with an in-process limiter.
func NewRateLimiter(limit int, window time.Duration, scope string) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalFixedWindowLimiter(), limit, window, FailClosed, scope, nil)
}

func NewDistributedRateLimiter(
	limiter Limiter,
	limit int,
	window time.Duration,
	mode FailureMode,
	scope string,
	keyFunc func(r *http.Request) string,
) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  WindowPolicy{Limit: limit, Window: window}.normalized(),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) key(r *http.Request) string {
	key := rl.keyFunc(r)
	if key == "" {
		key = ClientIP(r)
	}
	return rl.scope + ":" + key
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			d, err := rl.limiter.Allow(ctx, rl.key(r), rl.policy)
			switch {
			case err != nil && rl.mode == FailOpen:
				observability.RecordRateLimitDecision(ctx, rl.scope, "backend_error")
				slog.WarnContext(ctx, "rate limiter backend unavailable, allowing request", "scope", rl.scope, "error", err)
				next.ServeHTTP(w, r)
			case err != nil:
				observability.RecordRateLimitDecision(ctx, rl.scope, "backend_error")
				slog.WarnContext(ctx, "rate limiter backend unavailable, rejecting request", "scope", rl.scope, "error", err)
				tooManyRequests(w, r, rl.policy.Window)
			case !d.Allowed:
				observability.RecordRateLimitDecision(ctx, rl.scope, "deny")
				setRateLimitHeaders(w.Header(), rl.policy.Limit, d)
				tooManyRequests(w, r, d.RetryAfter)
			default:
				observability.RecordRateLimitDecision(ctx, rl.scope, "allow")
				setRateLimitHeaders(w.Header(), rl.policy.Limit, d)
				next.ServeHTTP(w, r)
			}
		})
	}
}

func tooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(max(int(retryAfter.Round(time.Second).Seconds()), 1)))
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
}

func setRateLimitHeaders(h http.Header, limit int, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// IdentityOrIPKey keys authenticated requests by user id and everything else
// by client IP.
func IdentityOrIPKey(r *http.Request) string {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		return fmt.Sprintf("user:%d", identity.UserID)
	}
	return ClientIP(r)
}

type fixedWindow struct {
	start time.Time
	count int
}

// LocalFixedWindowLimiter counts requests per key in process memory. Expired
// windows are dropped at most once per minute.
type LocalFixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	sweepAt time.Time
	now     func() time.Time
}

func NewLocalFixedWindowLimiter() *LocalFixedWindowLimiter {
	return &LocalFixedWindowLimiter{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
}

func (l *LocalFixedWindowLimiter) Allow(_ context.Context, key string, policy WindowPolicy) (Decision, error) {
	policy = policy.normalized()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, w := range l.windows {
			if now.Sub(w.start) >= policy.Window {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(time.Minute)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= policy.Window {
		w = &fixedWindow{start: now}
		l.windows[key] = w
	}
	w.count++

	resetAt := w.start.Add(policy.Window)
	d := Decision{
		Allowed:   w.count <= policy.Limit,
		Remaining: max(policy.Limit-w.count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}
