// crashlogd records crash and system events into a bounded history and
// rotating evidence storage.
//
//	crashlogd run         Run the daemon in the foreground
//	crashlogd stop        Stop a running daemon
//	crashlogd status      Show daemon status
//	crashlogd tail        Stream events as they are recorded
//	crashlogd history     Print the retained history
//	crashlogd reset       Truncate the history
//	crashlogd key         Derive an event key
//	crashlogd query       Query the event index
//	crashlogd reindex     Rebuild the event index from the history
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crashlogd/internal/cli"
)

// Build-time variables, set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(Version)
	root.SetVersionTemplate(fmt.Sprintf("crashlogd {{.Version}} (built %s)\n", BuildTime))
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crashlogd: %v\n", err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
