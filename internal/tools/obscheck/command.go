package obscheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/spf13/cobra"

	"github.com/utstyr/custody-service/internal/tools/common"
	"github.com/utstyr/custody-service/internal/tools/loadgen"
	"github.com/utstyr/custody-service/internal/tools/ui"
)

// requiredFamilies are the Prometheus families /metrics must expose once
// the inventory collector is registered.
var requiredFamilies = []string{
	"custody_assets",
	"custody_active_assignments",
	"custody_overdue_assignments",
	"custody_inventory_scrape_success",
}

type Options struct {
	BaseURL    string
	CookieName string
	Username   string
	Password   string
	CI         bool
	Traffic    time.Duration
}

func NewCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "obscheck",
		Short: "Generate traffic and verify readiness and inventory metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts, "obscheck", func(ctx context.Context) ([]string, error) {
				return Check(ctx, *opts)
			})
			if opts.CI {
				common.PrintCIResult(err == nil, "obscheck", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.Traffic, "traffic", 5*time.Second, "duration of generated traffic, 0 to skip")
	return cmd
}

func run(opts *Options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.CI {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

// Check optionally drives traffic, then requires a ready service and the
// inventory metric families.
func Check(ctx context.Context, opts Options) ([]string, error) {
	client, err := common.NewClient(opts.BaseURL, opts.CookieName, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var details []string
	if opts.Traffic > 0 {
		res, err := loadgen.Run(ctx, loadgen.Config{
			BaseURL:     opts.BaseURL,
			CookieName:  opts.CookieName,
			Username:    opts.Username,
			Password:    opts.Password,
			Profile:     "mixed",
			Duration:    opts.Traffic,
			RPS:         20,
			Concurrency: 4,
			Seed:        42,
		})
		if err != nil {
			return details, fmt.Errorf("traffic: %w", err)
		}
		details = append(details, fmt.Sprintf("traffic generated total=%d failures=%d p95=%s", res.TotalRequests, res.Failures, res.P95))
		if res.StatusClasses["5xx"] > 0 {
			return details, fmt.Errorf("traffic produced %d server errors", res.StatusClasses["5xx"])
		}
	}

	status, body, err := client.Raw(ctx, "/health/ready")
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("readiness returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	details = append(details, "readiness: ok")

	status, body, err = client.Raw(ctx, "/metrics")
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("metrics returned %d", status)
	}
	missing, err := missingFamilies(body)
	if err != nil {
		return details, err
	}
	if len(missing) > 0 {
		return details, errors.New("metrics missing families: " + strings.Join(missing, ", "))
	}
	details = append(details, fmt.Sprintf("metrics: %d inventory families present", len(requiredFamilies)))
	return details, nil
}

// missingFamilies parses a text exposition and returns the required families
// that have no samples in it.
func missingFamilies(exposition []byte) ([]string, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(exposition))
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	var missing []string
	for _, name := range requiredFamilies {
		if mf, ok := families[name]; !ok || len(mf.GetMetric()) == 0 {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
