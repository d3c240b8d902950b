package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/app"
	"github.com/JakeFAU/flowcrawler/internal/dispatcher"
	"github.com/JakeFAU/flowcrawler/internal/persist"
	"github.com/JakeFAU/flowcrawler/internal/producer"
)

type runnerBuilder func(*app.App, context.Context) ([]dispatcher.Runner, error)

func newStageCmd(use, short string, build runnerBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runners, err := build(a, cmd.Context())
			if err != nil {
				return err
			}
			return runStage(cmd.Context(), a, runners)
		},
	}
}

func newFetchCmd() *cobra.Command {
	return newStageCmd("fetch", "Run fetch workers (start queue to success queue)", (*app.App).FetchRunners)
}

func newProcessCmd() *cobra.Command {
	return newStageCmd("process", "Run processing workers (success queue to start/data queues and storage)",
		(*app.App).ProcessRunners)
}

func newSinkCmd() *cobra.Command {
	return newStageCmd("sink", "Drain the data queue into the configured storage backends", (*app.App).SinkRunners)
}

func newRunCmd() *cobra.Command {
	var skipSeed bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seed the workflow and run every stage in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := resolveApp(ctx)
			if err != nil {
				return err
			}
			wf, err := a.Workflow()
			if err != nil {
				return err
			}
			if !skipSeed {
				if _, err := a.Producer().SeedWorkflow(ctx, wf); err != nil {
					return err
				}
			}
			fetchers, err := a.FetchRunners(ctx)
			if err != nil {
				return err
			}
			processors, err := a.ProcessRunners(ctx)
			if err != nil {
				return err
			}
			runners := append(fetchers, processors...)
			sinks, err := a.SinkRunners(ctx)
			switch {
			case err == nil:
				runners = append(runners, sinks...)
			case errors.Is(err, persist.ErrNoBackend):
				a.Logger().Info("no storage backend; data queue is left for external consumers")
			default:
				return err
			}
			return runStage(ctx, a, runners)
		},
	}
	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "do not push the workflow seed request")
	return cmd
}

func newSeedCmd() *cobra.Command {
	var pending, skipWorkflow bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Push seed requests onto the start queue",
		Long: `Pushes the initial request derived from the workflow document. With
--pending, also drains the MySQL pending_requests table named by seed.*.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := resolveApp(ctx)
			if err != nil {
				return err
			}
			p := a.Producer()
			if !skipWorkflow {
				wf, err := a.Workflow()
				if err != nil {
					return err
				}
				if _, err := p.SeedWorkflow(ctx, wf); err != nil {
					return err
				}
			}
			if pending {
				return drainPending(ctx, a, p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "also push rows from the pending_requests table")
	cmd.Flags().BoolVar(&skipWorkflow, "skip-workflow", false, "do not push the workflow seed request")
	return cmd
}

func drainPending(ctx context.Context, a *app.App, p *producer.Producer) error {
	cfg := a.Config().Seed
	if cfg.PendingDSN == "" {
		return errors.New("seed.pending_dsn is required with --pending")
	}
	src, err := producer.OpenPending(ctx, cfg.PendingDSN, cfg.PendingTable, cfg.PendingBatch, a.Logger().Named("pending"))
	if err != nil {
		return fmt.Errorf("open pending source: %w", err)
	}
	defer func() { _ = src.Close() }()
	_, err = p.Drain(ctx, src)
	return err
}

// runStage runs the runners plus the admin server until ctx is canceled.
func runStage(ctx context.Context, a *app.App, runners []dispatcher.Runner) error {
	if len(runners) == 0 {
		return errors.New("nothing to run")
	}
	d := dispatcher.New(a.Logger().Named("dispatcher"), runners...)
	if admin := a.AdminRunner(); admin != nil {
		d.Add(admin)
	}
	a.Logger().Info("stage started", zap.Int("runners", d.Len()))
	if err := d.Run(ctx); err != nil {
		return err
	}
	a.Logger().Info("stage stopped")
	return nil
}
