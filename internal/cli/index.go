package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crashlogd/internal/config"
	"crashlogd/internal/store"
)

func openIndex(cfg *config.Config) (*store.Index, error) {
	if !cfg.Index.Enabled {
		return nil, &ExitError{Code: ExitCommandError, Message: "event index is disabled in the configuration"}
	}
	x, err := store.Open(cfg.Index.Path, nil)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open index", err)
	}
	return x, nil
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Event   string
	Type    string
	Since   time.Duration
	Limit   int
	Summary bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the event index",
		Long: `Query the SQLite event index. Unlike "crashlogd history" the index keeps
entries after they rotate out of the ledger.

Example:
  crashlogd query --event CRASH --since 24h
  crashlogd query --summary`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			x, err := openIndex(cfg)
			if err != nil {
				return err
			}
			defer x.Close()

			out := Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			if opts.Summary {
				sums, err := x.Summarize(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "summarize", err)
				}
				total, err := x.Count(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "count", err)
				}
				res := SummaryResult{Total: total, Events: sums}
				return out.Result(res, func(w io.Writer) error { return printSummary(w, res) })
			}

			f := store.Filter{Name: opts.Event, Type: opts.Type, Limit: opts.Limit}
			if opts.Since > 0 {
				f.Since = time.Now().Add(-opts.Since)
			}
			events, err := x.Query(cmd.Context(), f)
			if err != nil {
				return WrapExitError(ExitFailure, "query", err)
			}
			return out.Result(events, func(w io.Writer) error {
				for _, ev := range events {
					if _, err := fmt.Fprintln(w, ev.Line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Event, "event", "e", "", "event name")
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "event type")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only events newer than this")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "newest events to show; 0 for all")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "count events per name instead")
	return cmd
}

// SummaryResult is the output of query --summary.
type SummaryResult struct {
	Total  int64           `json:"total"`
	Events []store.Summary `json:"events"`
}

func printSummary(w io.Writer, r SummaryResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tCOUNT")
	for _, s := range r.Events {
		fmt.Fprintf(tw, "%s\t%d\n", s.Name, s.Count)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", r.Total)
	return tw.Flush()
}

// ReindexResult is the output of the reindex command.
type ReindexResult struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Schema  int `json:"schema"`
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reindex",
		Short:         "Rebuild the event index from the history ledger",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			x, err := openIndex(cfg)
			if err != nil {
				return err
			}
			defer x.Close()

			log := openHistory(cfg)
			defer log.Close()
			lines, err := log.Entries()
			if err != nil {
				return WrapExitError(ExitFailure, "read history", err)
			}

			var r ReindexResult
			r.Indexed, r.Skipped, err = x.Rebuild(cmd.Context(), lines)
			if err != nil {
				return WrapExitError(ExitFailure, "rebuild index", err)
			}
			if r.Schema, err = x.Schema(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "read index schema", err)
			}
			out := Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			return out.Result(r, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "indexed %d entries, skipped %d (schema %d)\n", r.Indexed, r.Skipped, r.Schema)
				return err
			})
		},
	}
}
