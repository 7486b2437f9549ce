package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"crashlogd/internal/config"
	"crashlogd/internal/daemon"
	"crashlogd/internal/history"
	"crashlogd/internal/identity"
)

// HistoryResult is the output of the history command.
type HistoryResult struct {
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

// HistoryFilter selects retained lines.
type HistoryFilter struct {
	Contains string
	Event    string
	Limit    int
}

// Apply returns the lines of in matching f, keeping the newest Limit.
func (f HistoryFilter) Apply(in []string) []string {
	out := make([]string, 0, len(in))
	for _, line := range in {
		if f.Contains != "" && !strings.Contains(line, f.Contains) {
			continue
		}
		if f.Event != "" {
			e, err := history.ParseLine(line)
			if err != nil || !strings.EqualFold(e.Name, f.Event) {
				continue
			}
		}
		out = append(out, line)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func openHistory(cfg *config.Config) *history.Log {
	return history.New(history.Config{
		Path:       cfg.History.Path,
		MaxRecords: cfg.History.MaxRecords,
	})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var f HistoryFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the retained history entries",
		Long: `Print the retained history entries, oldest first.

Example:
  crashlogd history --event CRASH --limit 20
  crashlogd history --contains TOMBSTONE --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			log := openHistory(cfg)
			defer log.Close()
			lines, err := log.Entries()
			if err != nil {
				return WrapExitError(ExitFailure, "read history", err)
			}
			lines = f.Apply(lines)

			out := Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			return out.Result(HistoryResult{Count: len(lines), Entries: lines}, func(w io.Writer) error {
				for _, l := range lines {
					if _, err := fmt.Fprintln(w, l); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Contains, "contains", "", "only lines containing this text")
	cmd.Flags().StringVarP(&f.Event, "event", "e", "", "only entries with this event name")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 0, "only the newest n entries")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:           "reset",
		Short:         "Truncate the history to its header",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			if !force && daemon.NewManager(cfg.Daemon.StateDir).IsRunning() {
				return &ExitError{Code: ExitCommandError, Message: "crashlogd is running; stop it first or pass --force"}
			}
			log := openHistory(cfg)
			defer log.Close()
			if err := log.Reset(); err != nil {
				return WrapExitError(ExitFailure, "reset history", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "history %s reset\n", log.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reset even while the daemon is running")
	return cmd
}

// KeyResult is the output of the key command.
type KeyResult struct {
	Key   string `json:"key"`
	Event string `json:"event"`
	Type  string `json:"type"`
	Build string `json:"build"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "key <event> [type]",
		Short: "Derive an event key the way the daemon does",
		Long: `Derive a 20 character event key from the build fingerprint, the device
UUID, the event name and type, and the current uptime.

Example:
  crashlogd key CRASH TOMBSTONE`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			deviceUUID, err := identity.LoadOrCreateUUID(cfg.Identity.UUIDFile)
			if err != nil {
				return WrapExitError(ExitFailure, "device uuid", err)
			}
			gen := identity.New(identity.BuildFingerprint(cfg.Identity.BuildFile, cfg.Identity.Build), deviceUUID, nil)

			r := KeyResult{Event: args[0], Build: gen.Build()}
			if len(args) == 2 {
				r.Type = args[1]
			}
			r.Key = gen.MakeKey(r.Event, r.Type)

			out := Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			return out.Result(r, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, r.Key)
				return err
			})
		},
	}
}
