package cli

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"crashlogd/internal/app"
	"crashlogd/internal/config"
	"crashlogd/internal/daemon"
	"crashlogd/internal/logging"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	BootReason string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Long: `Run the crashlogd daemon in the foreground until SIGINT or SIGTERM.

The boot is recorded first: REBOOT with the given reason, or SWUPDATE when
the build fingerprint changed since the previous run.

Example:
  crashlogd run --config /etc/crashlogd/config.toml --boot-reason WATCHDOG`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.BootReason, "boot-reason", "", "reason recorded with the REBOOT event")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *RunOptions) error {
	loader, cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, err := newLogger(opts.RootOptions, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "set up logging", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	mgr := daemon.NewManager(cfg.Daemon.StateDir)
	if err := mgr.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return WrapExitError(ExitFailure, "cannot start", err)
		}
		return WrapExitError(ExitCommandError, "acquire pid file", err)
	}
	defer mgr.Cleanup()

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   opts.Version,
		Component: "crashlogd",
		Logger:    logger.Logger,
	})
	if days := cfg.Logging.MaxAgeDays; days > 0 {
		if err := crash.CleanupOldCrashReports(time.Duration(days) * 24 * time.Hour); err != nil {
			logger.Warn("prune crash reports", "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	d, err := app.New(cfg, app.Options{
		Version:    opts.Version,
		BootReason: opts.BootReason,
		Logger:     logger.Logger,
		Crash:      crash,
		Registry:   reg,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "initialize daemon", err)
	}
	defer d.Close()

	state := &daemon.State{
		PID:        os.Getpid(),
		StartedAt:  time.Now(),
		Version:    opts.Version,
		Build:      d.Identity().Build(),
		DeviceID:   d.Identity().UUID(),
		ConfigPath: opts.configPath(),
	}
	if cfg.Notify.Enabled {
		state.Socket = cfg.Notify.SocketPath
	}
	if err := mgr.WriteState(state); err != nil {
		logger.Warn("write state file", "error", err)
	}

	if !opts.LogLevel.set && !opts.Verbose {
		loader.OnChange(func(old, cfg *config.Config) {
			d.ApplyReload(old, cfg, logger.SetLevel)
		})
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("configuration reload disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("configuration reload failed", "error", err)
			}
		}
	}()

	if err := d.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "daemon stopped", err)
	}
	logger.Info("crashlogd stopped")
	return nil
}

// newLogger builds the daemon logger from the logging section.
func newLogger(opts *RootOptions, cfg *config.Config) (*logging.Logger, error) {
	level, err := opts.logLevel(cfg)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "crashlogd",
	})
}
