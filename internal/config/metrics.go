package config

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadCounterOnce sync.Once
	loadCounter     metric.Int64Counter
)

// envKeyPattern finds the first setting name (DATABASE_URL, SESSION_TTL, ...)
// mentioned in a load error.
var envKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\b`)

// loadFailure describes a failed Load for the config.load.events counter.
type loadFailure struct {
	class string
	key   string
}

func describeLoadError(err error) loadFailure {
	if err == nil {
		return loadFailure{class: "none", key: "none"}
	}
	msg := strings.TrimSpace(err.Error())
	f := loadFailure{class: "load", key: "unknown"}
	switch {
	case strings.HasPrefix(msg, "validate config:"):
		f.class = "validation"
	case strings.HasPrefix(msg, "parse "):
		f.class = "parse"
	case strings.HasPrefix(msg, "read config file:"):
		f.class = "file"
		f.key = "CONFIG_FILE"
	}
	if f.key == "unknown" {
		if k := envKeyPattern.FindString(msg); k != "" {
			f.key = k
		}
	}
	return f
}

func recordLoadEvent(ctx context.Context, profile, outcome string, f loadFailure) {
	loadCounterOnce.Do(func() {
		counter, err := otel.Meter("custody-service/config").Int64Counter(
			"config.load.events",
			metric.WithDescription("Configuration load attempts by outcome and failing setting."),
		)
		if err == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", f.class),
		attribute.String("setting", f.key),
	))
}

func normalizeConfigProfile(profile string) string {
	switch v := strings.ToLower(strings.TrimSpace(profile)); v {
	case "":
		return "unknown"
	case "production":
		return "prod"
	case "development":
		return "dev"
	default:
		return v
	}
}
