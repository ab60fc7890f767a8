package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/utstyr/custody-service/internal/tools/common"
	"github.com/utstyr/custody-service/internal/tools/loadgen"
	"github.com/utstyr/custody-service/internal/tools/obscheck"
	"github.com/utstyr/custody-service/internal/tools/smoke"
	"github.com/utstyr/custody-service/internal/tools/ui"
)

func newRootCommand() *cobra.Command {
	opts := &obscheck.Options{}
	cmd := &cobra.Command{
		Use:           "custodyctl",
		Short:         "Operator checks for the asset custody service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().StringVar(&opts.CookieName, "cookie-name", "utstyr_session", "session cookie name")
	cmd.PersistentFlags().StringVar(&opts.Username, "username", os.Getenv("CUSTODYCTL_USERNAME"), "login username")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", os.Getenv("CUSTODYCTL_PASSWORD"), "login password (defaults to $CUSTODYCTL_PASSWORD)")
	cmd.PersistentFlags().BoolVar(&opts.CI, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newSmokeCommand(opts), newLoadgenCommand(opts), obscheck.NewCommand(opts))
	return cmd
}

func runTask(ci bool, title string, fn ui.Task) ([]string, error) {
	if ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

func finish(ci bool, title string, details []string, err error) error {
	if ci {
		common.PrintCIResult(err == nil, title, details, err)
		if err != nil {
			os.Exit(4)
		}
		return nil
	}
	return err
}

func newSmokeCommand(opts *obscheck.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Log in, check identity and active assignments, then log out",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := runTask(opts.CI, "custody smoke", func(ctx context.Context) ([]string, error) {
				return smoke.Run(ctx, smoke.Config{
					BaseURL:    opts.BaseURL,
					CookieName: opts.CookieName,
					Username:   opts.Username,
					Password:   opts.Password,
				})
			})
			return finish(opts.CI, "custody smoke", details, err)
		},
	}
}

func newLoadgenCommand(opts *obscheck.Options) *cobra.Command {
	cfg := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate authenticated read and scan traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.BaseURL = opts.BaseURL
			cfg.CookieName = opts.CookieName
			cfg.Username = opts.Username
			cfg.Password = opts.Password
			details, err := runTask(opts.CI, "custody loadgen", func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, cfg)
				if res == nil {
					return nil, err
				}
				return summarize(res), err
			})
			return finish(opts.CI, "custody loadgen", details, err)
		},
	}
	cmd.Flags().StringVar(&cfg.Profile, "profile", "mixed", "traffic profile: read, scan or mixed")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to generate traffic")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 10, "requests per second")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "concurrent workers")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 42, "random seed for request selection")
	return cmd
}

func summarize(res *loadgen.Result) []string {
	details := []string{
		fmt.Sprintf("requests=%d failures=%d", res.TotalRequests, res.Failures),
		fmt.Sprintf("latency p50=%s p95=%s", res.P50, res.P95),
	}
	classes := make([]string, 0, len(res.StatusClasses))
	for class := range res.StatusClasses {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		details = append(details, fmt.Sprintf("%s=%d", class, res.StatusClasses[class]))
	}
	return details
}
