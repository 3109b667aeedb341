package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ethpandaops/armory/internal/instrument"
	"github.com/ethpandaops/armory/internal/migrate"
	"github.com/ethpandaops/armory/internal/runner"
	"github.com/ethpandaops/armory/internal/version"
)

var (
	cfgFile  string
	logLevel string
	dsn      string
	steps    int

	worker   int
	workers  int
	parallel int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "armory",
		Short: "Adversarial robustness evaluation harness",
		Long: `armory scores recorded model predictions on benign and adversarial
inputs, reduces per-sample metrics to final results and ships them to
files, Prometheus, ClickHouse or an HTTP collector.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(runCmd(), matrixCmd(), migrateCmd(), versionCmd())

	return cmd
}

func configFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one evaluation",
		RunE:  run,
	}

	configFlag(cmd)

	return cmd
}

func matrixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Run one evaluation per row of the configured parameter matrix",
		RunE:  runMatrix,
	}

	configFlag(cmd)

	cmd.Flags().IntVar(&worker, "worker", 0, "override the partition index of this worker")
	cmd.Flags().IntVar(&workers, "workers", 0, "override the number of partitions")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "override the number of concurrent runs")

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse result schema",
	}

	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "ClickHouse DSN, e.g. clickhouse://localhost:9000/armory (required)")

	if err := cmd.MarkPersistentFlagRequired("dsn"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all of them unless --steps is set)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate.New(newLogger(), dsn).Down(cmd.Context(), steps)
		},
	}

	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate.New(newLogger(), dsn).Up(cmd.Context())
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied and embedded schema versions",
			RunE: func(cmd *cobra.Command, _ []string) error {
				status, err := migrate.New(newLogger(), dsn).Status(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Println(status)

				return nil
			},
		},
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	}

	return log
}

type session struct {
	log    *logrus.Logger
	cfg    *runner.Config
	runner *runner.Runner
	ctx    context.Context
	cancel context.CancelFunc
}

// setup loads the configuration and starts a runner bound to SIGINT and
// SIGTERM.
func setup() (*session, error) {
	log := newLogger()

	cfg, err := runner.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)

	r, err := runner.New(log, cfg)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("creating runner: %w", err)
	}

	if err := r.Start(ctx); err != nil {
		cancel()

		return nil, fmt.Errorf("starting runner: %w", err)
	}

	return &session{log: log, cfg: cfg, runner: r, ctx: ctx, cancel: cancel}, nil
}

func (s *session) stop() {
	if err := s.runner.Stop(); err != nil {
		s.log.WithError(err).Error("Error during shutdown")
	}

	s.cancel()
}

func run(cmd *cobra.Command, args []string) error {
	s, err := setup()
	if err != nil {
		return err
	}

	s.log.WithField("version", version.Full()).Info("Starting armory evaluation")

	rep, runErr := s.runner.Run(s.ctx)

	s.stop()

	if rep != nil {
		logReport(s.log, rep)
	}

	if runErr != nil {
		return fmt.Errorf("running evaluation: %w", runErr)
	}

	return nil
}

func runMatrix(cmd *cobra.Command, args []string) error {
	s, err := setup()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("worker") {
		s.cfg.Matrix.Worker = worker
	}

	if cmd.Flags().Changed("workers") {
		s.cfg.Matrix.Workers = workers
	}

	if cmd.Flags().Changed("parallel") {
		s.cfg.Matrix.Parallel = parallel
	}

	outcomes, matrixErr := s.runner.RunMatrix(s.ctx)

	s.stop()

	if matrixErr != nil {
		return fmt.Errorf("running matrix: %w", matrixErr)
	}

	var errs []error

	for _, o := range outcomes {
		if o.Value != nil {
			logReport(s.log.WithField("row", o.Row), o.Value)
		}

		if o.Err != nil {
			s.log.WithError(o.Err).WithField("row", o.Row).Error("Matrix run failed")
			errs = append(errs, o.Err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"runs":   len(outcomes),
		"failed": len(errs),
	}).Info("Matrix finished")

	return multierr.Combine(errs...)
}

func logReport(log logrus.FieldLogger, rep *runner.Report) {
	log = log.WithField("run_id", rep.RunID)

	for _, k := range rep.ResultKeys() {
		v := rep.Results[k]

		// Per-sample lists are logged as they are.
		if s, ok := instrument.Summary(instrument.Result{Final: v, HasFinal: true, Batchwise: true}); ok {
			v = s
		}

		log.WithFields(logrus.Fields{
			"result": k,
			"value":  v,
		}).Info("Result")
	}

	log.WithField("dir", rep.Dir).Info("Evaluation complete")
}
