package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/observability"
	"github.com/tbourn/go-contributors-backend/internal/report"
	"github.com/tbourn/go-contributors-backend/internal/utils"
)

type aggregateFlags struct {
	orgs             []string
	exclude          []string
	since, until     string
	maxPRPages       int
	maxReviewFetches int
	format           string
	limit            int
	noColor          bool
	store            bool
}

var aggFlags aggregateFlags

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one aggregation now and print the ranked contributors.",
	Example: `  contributors aggregate --orgs acme,acme-labs --since 2026-01-01
  contributors aggregate --orgs acme --format json > snapshot.json
  contributors aggregate --orgs acme --store   # also write the snapshot to the cache`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAggregate(cmd, cfg, aggFlags)
	},
}

func init() {
	f := aggregateCmd.Flags()
	f.StringSliceVar(&aggFlags.orgs, "orgs", nil, "organizations to crawl (default DEFAULT_ORGS)")
	f.StringSliceVar(&aggFlags.exclude, "exclude", nil, "extra organizations whose members are treated as internal")
	f.StringVar(&aggFlags.since, "since", "", "window start, RFC3339 or YYYY-MM-DD (default now minus DEFAULT_LOOKBACK_DAYS)")
	f.StringVar(&aggFlags.until, "until", "", "window end, RFC3339 or YYYY-MM-DD (default now)")
	f.IntVar(&aggFlags.maxPRPages, "max-pr-pages", 0, "pages of pull requests per repository (default MAX_PR_PAGES)")
	f.IntVar(&aggFlags.maxReviewFetches, "max-review-fetches", 0, "pull requests whose reviews and commits are fetched (default MAX_REVIEW_FETCHES)")
	f.StringVarP(&aggFlags.format, "format", "o", report.FormatTable, "output format: table or json")
	f.IntVar(&aggFlags.limit, "limit", 50, "rows shown in table output (0 shows all)")
	f.BoolVar(&aggFlags.noColor, "no-color", false, "disable colored output")
	f.BoolVar(&aggFlags.store, "store", false, "write the result to the configured snapshot cache")
}

func (f aggregateFlags) params(cfg config.Config) (domain.RefreshParams, error) {
	p := domain.RefreshParams{
		Orgs:             domain.NormalizeOrgs(f.orgs),
		ExcludeOrgs:      domain.NormalizeOrgs(f.exclude),
		MaxPRPages:       f.maxPRPages,
		MaxReviewFetches: f.maxReviewFetches,
	}
	if len(p.Orgs) == 0 {
		p.Orgs = domain.NormalizeOrgs(cfg.Aggregation.DefaultOrgs)
	}
	if len(p.Orgs) == 0 {
		return p, errors.New("no organizations: pass --orgs or set DEFAULT_ORGS")
	}
	var err error
	if p.Since, err = utils.ParseTime(f.since, false); err != nil {
		return p, fmt.Errorf("--since: %w", err)
	}
	if p.Until, err = utils.ParseTime(f.until, true); err != nil {
		return p, fmt.Errorf("--until: %w", err)
	}
	if p.Since != nil && p.Until != nil && p.Since.After(*p.Until) {
		return p, errors.New("--since is after --until")
	}
	return p, nil
}

func runAggregate(cmd *cobra.Command, cfg config.Config, f aggregateFlags) error {
	ctx := cmd.Context()
	params, err := f.params(cfg)
	if err != nil {
		return err
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, "aggregate")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	a, err := newApp(ctx, cfg, logger, appNeeds{github: true, cache: f.store})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	runCtx := ctx
	if cfg.Queue.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Queue.RunTimeout)
		defer cancel()
	}
	payload, err := a.agg.Run(runCtx, params)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	if f.store {
		key := a.cache.KeyOf(params, a.agg.Lookback())
		if _, err := a.cache.Set(ctx, key, payload); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		logger.Info().Str("cache_key", key).Msg("snapshot stored")
	}

	return report.Write(cmd.OutOrStdout(), payload, report.Options{
		Format: f.format,
		Colors: !f.noColor && !color.NoColor,
		Limit:  f.limit,
	})
}
