/*
main.go - ledgerd entry point

PURPOSE:
  Wires configuration, storage, locks, notifications and metrics into the
  engine and exposes it as an HTTP server, a one-shot job runner and a
  seeding tool.

COMMANDS:
  ledgerd serve                      HTTP API + scheduler
  ledgerd run <job> [--period P]     Run one batch job now and exit
  ledgerd jobs                       List batch jobs
  ledgerd seed [--program FILE]      Apply a slab/fee/settings document
  ledgerd decide <id> approve|reject Decide a payout or redemption request
  ledgerd pay-rental <payoutID>      Credit one rental payout and mark it paid

GLOBAL FLAGS:
  --config FILE   YAML configuration (see package config); env vars with the
                  LEDGER_ prefix override it

STARTUP SEQUENCE (serve):
  1. Load and validate configuration
  2. Open SQLite store (schema migrated on open)
  3. Connect Redis when enabled (owner locks + notification channel)
  4. Seed the program when no slab sets exist yet
  5. Start scheduler and HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections and drains
  requests, the scheduler finishes its current pass, queued notifications
  are delivered, then the store is closed.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/incentive-ledger/api"
	"github.com/warp/incentive-ledger/config"
	"github.com/warp/incentive-ledger/factory"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/lock"
	"github.com/warp/incentive-ledger/metrics"
	"github.com/warp/incentive-ledger/notify"
	"github.com/warp/incentive-ledger/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Vendor wallet ledger and incentive engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LEDGER_CONFIG"), "path to YAML configuration")
	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newJobsCmd(),
		newSeedCmd(&configPath),
		newDecideCmd(&configPath),
		newPayRentalCmd(&configPath),
	)
	return root
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.seedIfEmpty(ctx); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one batch job and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: api.JobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			run, err := api.NewRunner(a.svc).Run(cmd.Context(), args[0], generic.PeriodKey(period))
			if run.ID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (succeeded=%d failed=%d skipped=%d)\n",
					run.Job, run.PeriodKey, run.Status, run.Succeeded, run.Failed, run.Skipped)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "YYYY-MM-DD or YYYY-MM (default: last completed period)")
	return cmd
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List batch jobs",
		Run: func(cmd *cobra.Command, args []string) {
			for _, j := range api.Jobs() {
				schedule := "manual"
				if j.Scheduled {
					schedule = "scheduled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-9s %s\n", j.Name, schedule, j.Description)
			}
		},
	}
}

func newSeedCmd(configPath *string) *cobra.Command {
	var programPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply a slab set, fee rule and settings document",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if programPath != "" {
				a.cfg.Program = programPath
			}
			return a.seed(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&programPath, "program", "", "program document (default: config program or built-in)")
	return cmd
}

func newDecideCmd(configPath *string) *cobra.Command {
	var admin, notes string
	cmd := &cobra.Command{
		Use:       "decide <requestID> approve|reject",
		Short:     "Approve or reject a withdrawal, instant payout or redemption",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(generic.DecisionApprove), string(generic.DecisionReject)},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := generic.Decision(args[1])
			if !decision.Valid() {
				return fmt.Errorf("decision must be approve or reject, got %q", args[1])
			}
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			req, err := a.svc.Payouts.Decide(cmd.Context(), args[0], decision, admin, notes)
			if err != nil {
				return fmt.Errorf("%s: %w", generic.UserMessage(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", req.Kind, req.ID, req.Amount, req.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "admin", "who made the decision")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func newPayRentalCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pay-rental <payoutID>",
		Short: "Credit one rental payout and mark it paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.svc.Rental.MarkPaid(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", p.ActorID, p.Month, p.IncentiveAmount, p.Status)
			return nil
		},
	}
}

// =============================================================================
// APPLICATION
// =============================================================================

type app struct {
	cfg     config.Config
	log     zerolog.Logger
	store   *sqlite.Store
	redis   *redis.Client
	notify  *notify.Dispatcher
	metrics *metrics.Metrics
	svc     *api.Services
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cfg.Log)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	incentives, err := cfg.IncentiveConfig()
	if err != nil {
		return nil, err
	}
	feeCfg, err := cfg.FeeConfig()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}

	var locker generic.Locker
	sinks := []notify.Sink{notify.NewLogSink(log)}
	if cfg.Redis.Enabled {
		a.redis, err = lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close()
			return nil, err
		}
		locker = lock.NewRedis(a.redis, lock.Options{TTL: cfg.Redis.LockTTL, Logger: log})
		if cfg.Notify.Redis {
			sinks = append(sinks, notify.NewRedisSink(a.redis, cfg.Notify.Channel))
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}
	a.notify = notify.NewDispatcher(notify.Options{QueueSize: cfg.Notify.QueueSize, Logger: log}, sinks...)

	a.svc = api.NewServices(store, api.ServiceOptions{
		Incentives: incentives,
		Fees:       feeCfg,
		Location:   loc,
		Locker:     locker,
		Notifier:   a.notify,
		Observer:   a.metrics,
		Logger:     log,
	})
	log.Info().Str("database", cfg.Database.Path).Str("timezone", loc.String()).Msg("ledger ready")
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if a.notify != nil {
		if err := a.notify.Close(ctx); err != nil {
			a.log.Warn().Err(err).Int64("dropped", a.notify.Dropped()).Msg("notifications not drained")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("close database")
	}
}

func (a *app) program() (factory.Program, error) {
	if a.cfg.Program != "" {
		return factory.LoadProgram(a.cfg.Program)
	}
	return factory.ParseProgram([]byte(factory.DefaultProgramYAML))
}

func (a *app) seed(ctx context.Context) error {
	p, err := a.program()
	if err != nil {
		return err
	}
	if err := factory.Apply(ctx, a.store, p); err != nil {
		return err
	}
	a.log.Info().Int("slab_sets", len(p.SlabSets)).Int("fee_rules", len(p.FeeRules)).Msg("program applied")
	return nil
}

func (a *app) seedIfEmpty(ctx context.Context) error {
	sets, err := a.store.ListSlabSets(ctx)
	if err != nil {
		return err
	}
	if len(sets) > 0 {
		return nil
	}
	return a.seed(ctx)
}

func (a *app) serve(ctx context.Context) error {
	runner := api.NewRunner(a.svc)
	router := api.NewRouter(api.NewHandler(a.svc, runner), api.RouterOptions{
		Logger:      a.log,
		Metrics:     a.metrics,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	var scheduler *api.Scheduler
	if a.cfg.Scheduler.Enabled {
		scheduler = api.NewScheduler(runner, api.SchedulerOptions{Interval: a.cfg.Scheduler.Interval, Logger: a.log})
		scheduler.Start()
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Msg("server starting")
		errc <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	a.log.Info().Msg("server stopped")
	return nil
}
