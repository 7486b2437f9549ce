// Package cli implements the crashlogd command line.
package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"crashlogd/internal/config"
	"crashlogd/internal/logging"
)

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool
	LogLevel   levelFlag

	// Version is reported by the daemon and the version command.
	Version string
}

// levelFlag is an optional log level override.
type levelFlag struct {
	set   bool
	level logging.Level
}

var _ pflag.Value = (*levelFlag)(nil)

func (f *levelFlag) String() string {
	if !f.set {
		return ""
	}
	return logging.LevelString(f.level)
}

func (f *levelFlag) Set(s string) error {
	l, err := logging.ParseLevel(s)
	if err != nil {
		return err
	}
	f.level, f.set = l, true
	return nil
}

func (f *levelFlag) Type() string { return "level" }

// NewRootCommand creates the crashlogd command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "crashlogd",
		Short: "Crash and event logging daemon",
		Long: `crashlogd watches the directories crash producers write to, copies the
evidence into rotating storage slots and keeps a bounded history of every
event it recorded.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %s", opts.Format, strings.Join(ValidFormats, ", "))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (default: platform config dir)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().Var(&opts.LogLevel, "log-level", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))

	return cmd
}

// configPath resolves the --config flag.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return config.ConfigPath()
}

// loadConfig reads and validates the configuration.
func (o *RootOptions) loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(o.configPath())
	cfg, err := loader.Load()
	if err != nil {
		loader.Close()
		return nil, nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	return loader, cfg, nil
}

// logLevel is the effective level: --log-level, then --verbose, then cfg.
func (o *RootOptions) logLevel(cfg *config.Config) (logging.Level, error) {
	if o.LogLevel.set {
		return o.LogLevel.level, nil
	}
	if o.Verbose {
		return logging.LevelDebug, nil
	}
	return logging.ParseLevel(cfg.Logging.Level)
}
