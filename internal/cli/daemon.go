package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"crashlogd/internal/daemon"
	"crashlogd/internal/ipc"
)

// NewStopCommand creates the stop command.
func NewStopCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop a running daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			mgr := daemon.NewManager(cfg.Daemon.StateDir)
			if err := mgr.SignalStop(); err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					return WrapExitError(ExitNotRunning, "stop", err)
				}
				return WrapExitError(ExitFailure, "stop", err)
			}
			if err := mgr.WaitForStop(timeout); err != nil {
				return WrapExitError(ExitFailure, "stop", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "crashlogd stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the daemon to exit")
	return cmd
}

// StatusReport is the output of the status command.
type StatusReport struct {
	Running   bool                `json:"running"`
	PID       int                 `json:"pid,omitempty"`
	Uptime    string              `json:"uptime,omitempty"`
	State     *daemon.State       `json:"state,omitempty"`
	Notifier  *ipc.StatusResponse `json:"notifier,omitempty"`
	NotifyErr string              `json:"notifier_error,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show whether the daemon is running",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()

			st := daemon.NewManager(cfg.Daemon.StateDir).Status()
			report := StatusReport{Running: st.Running, PID: st.PID, State: st.State}
			if st.Running {
				report.Uptime = st.Uptime.Round(time.Second).String()
			}
			if st.Running && cfg.Notify.Enabled {
				ns, err := notifierStatus(cmd.Context(), cfg.Notify.SocketPath)
				if err != nil {
					report.NotifyErr = err.Error()
				} else {
					report.Notifier = ns
				}
			}

			out := Output{Format: rootOpts.Format, W: cmd.OutOrStdout()}
			if err := out.Result(report, func(w io.Writer) error { return printStatus(w, report) }); err != nil {
				return err
			}
			if !report.Running {
				return &ExitError{Code: ExitNotRunning, Message: "crashlogd is not running"}
			}
			return nil
		},
	}
}

func notifierStatus(ctx context.Context, socket string) (*ipc.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client := ipc.NewClient(ipc.DefaultClientConfig(socket))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Status(ctx)
}

func printStatus(w io.Writer, r StatusReport) error {
	if !r.Running {
		_, err := fmt.Fprintln(w, "crashlogd is not running")
		return err
	}
	fmt.Fprintf(w, "crashlogd is running (pid %d, up %s)\n", r.PID, r.Uptime)
	if r.State != nil {
		fmt.Fprintf(w, "  version:  %s\n", r.State.Version)
		fmt.Fprintf(w, "  build:    %s\n", r.State.Build)
		fmt.Fprintf(w, "  device:   %s\n", r.State.DeviceID)
		fmt.Fprintf(w, "  config:   %s\n", r.State.ConfigPath)
	}
	switch {
	case r.Notifier != nil:
		fmt.Fprintf(w, "  notifier: %d subscribers, %d events sent, %d dropped\n",
			r.Notifier.Subscribers, r.Notifier.EventsSent, r.Notifier.Dropped)
	case r.NotifyErr != "":
		fmt.Fprintf(w, "  notifier: %s\n", r.NotifyErr)
	}
	return nil
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream events as the daemon records them",
		Long: `Subscribe to the daemon's notifier socket and print every history entry
as it is recorded. Events are not replayed; use "crashlogd history" for the
retained ones.

Example:
  crashlogd tail --event CRASH --event SWUPDATE`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			loader.Close()
			if !cfg.Notify.Enabled {
				return &ExitError{Code: ExitCommandError, Message: "notifier is disabled in the configuration"}
			}

			ctx := cmd.Context()
			client := ipc.NewClient(ipc.DefaultClientConfig(cfg.Notify.SocketPath))
			if err := client.Connect(ctx); err != nil {
				if errors.Is(err, ipc.ErrDaemonNotRunning) {
					return WrapExitError(ExitNotRunning, "tail", err)
				}
				return WrapExitError(ExitFailure, "tail", err)
			}
			defer client.Close()
			if err := client.Subscribe(ctx, events...); err != nil {
				return WrapExitError(ExitFailure, "subscribe", err)
			}
			return tail(ctx, client, Output{Format: rootOpts.Format, W: cmd.OutOrStdout()})
		},
	}
	cmd.Flags().StringSliceVarP(&events, "event", "e", nil, "only stream these event names")
	return cmd
}

// eventSource is what tail reads from.
type eventSource interface {
	Events() <-chan *ipc.EventRecorded
	Done() <-chan struct{}
}

func tail(ctx context.Context, src eventSource, out Output) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-src.Done():
			return &ExitError{Code: ExitNotRunning, Message: "daemon closed the connection"}
		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			if err := out.Result(ev, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, ev.Line)
				return err
			}); err != nil {
				return err
			}
		}
	}
}
