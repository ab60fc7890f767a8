// Package loadgen generates authenticated read and scan traffic against the
// custody API.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/utstyr/custody-service/internal/tools/common"
)

type Config struct {
	BaseURL     string
	CookieName  string
	Username    string
	Password    string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

type Result struct {
	TotalRequests int
	Failures      int
	StatusClasses map[string]int
	P50           time.Duration
	P95           time.Duration
}

type request struct {
	method string
	path   string
	body   any
}

func normalizeProfile(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "read", "scan":
		return p
	default:
		return "mixed"
	}
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

// nextRequest picks the next call for profile. Scan codes are random so most
// lookups miss and exercise the negative lookup cache.
func nextRequest(profile string, rng *rand.Rand) request {
	reads := []request{
		{method: http.MethodGet, path: "/api/v1/assets?page=1&page_size=20"},
		{method: http.MethodGet, path: "/api/v1/assignments/active"},
		{method: http.MethodGet, path: "/api/v1/events?limit=50"},
		{method: http.MethodGet, path: "/api/v1/auth/me"},
	}
	scan := request{
		method: http.MethodPost,
		path:   "/api/v1/scan/lookup",
		body:   map[string]string{"code": fmt.Sprintf("LG%05d", rng.Intn(50))},
	}
	switch profile {
	case "read":
		return reads[rng.Intn(len(reads))]
	case "scan":
		return scan
	default:
		if rng.Intn(3) == 0 {
			return scan
		}
		return reads[rng.Intn(len(reads))]
	}
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *common.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	profile := normalizeProfile(cfg.Profile)

	client, err := common.NewClient(cfg.BaseURL, cfg.CookieName, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if _, err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	rng := rand.New(rand.NewSource(cfg.Seed))
	jobs := make(chan request, cfg.Concurrency)
	go func() {
		defer close(jobs)
		ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				select {
				case jobs <- nextRequest(profile, rng):
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	var (
		mu        sync.Mutex
		res       = &Result{StatusClasses: map[string]int{}}
		latencies []time.Duration
		wg        sync.WaitGroup
	)
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				start := time.Now()
				err := client.Call(ctx, req.method, req.path, req.body, nil)
				elapsed := time.Since(start)
				class := classifyStatusClass(statusOf(err))

				mu.Lock()
				res.TotalRequests++
				res.StatusClasses[class]++
				if class != "2xx" {
					res.Failures++
				}
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	res.P50, res.P95 = percentile(latencies, 0.50), percentile(latencies, 0.95)
	if err := client.Call(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil); err != nil {
		return res, fmt.Errorf("logout: %w", err)
	}
	return res, nil
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
