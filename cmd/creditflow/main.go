package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/migration"
	"github.com/smallbiznis/creditflow/internal/observability"
	"github.com/smallbiznis/creditflow/internal/scheduler"
	"github.com/smallbiznis/creditflow/internal/server"
	"github.com/smallbiznis/creditflow/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var nodeID int64

var rootCmd = &cobra.Command{
	Use:   "creditflow",
	Short: "Credit ledger, metered gateway and billing webhook service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when enabled, the in-process reset loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			core(),
			migration.Module,
			server.Domains,
			scheduler.Module,
			scheduler.LoopModule,
			server.Module,
		)
		app.Run()
		return app.Err()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), fx.Options(
			core(),
			migration.Module,
		), nil)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Run the monthly credit reset sweep once, for an external cron",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			sched *scheduler.Scheduler
			log   *zap.Logger
		)
		return runOnce(cmd.Context(), fx.Options(
			core(),
			server.Domains,
			scheduler.Module,
			fx.Populate(&sched, &log),
		), func(ctx context.Context) error {
			summary, err := sched.MonthlyResetJob(ctx)
			log.Info("monthly reset finished",
				zap.Int("scanned", summary.Scanned),
				zap.Int("reset", summary.Reset),
				zap.Int("skipped", summary.Skipped),
				zap.Int("failed", summary.Failed),
			)
			return err
		})
	},
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&nodeID, "node-id", 1, "snowflake node id, unique per replica")
	rootCmd.AddCommand(serveCmd, migrateCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func core() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// runOnce starts the graph, runs fn and stops it again.
func runOnce(parent context.Context, opts fx.Option, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	app := fx.New(opts, fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var runErr error
	if fn != nil {
		runErr = fn(parent)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID)
}
