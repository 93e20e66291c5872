package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
)

// monitorRunner resumes session watches and stops them on shutdown.
type monitorRunner interface {
	Resume(ctx context.Context) (int, error)
	Stop()
}

// MonitorCommandInput contains the input for the monitor command.
type MonitorCommandInput struct {
	App *Citadel

	// Monitor is an optional runner implementation for testing.
	// If nil, the session monitor is assembled from the DynamoDB stores.
	Monitor monitorRunner
}

// ConfigureMonitorCommand sets up the monitor command with kingpin.
func ConfigureMonitorCommand(app *kingpin.Application, c *Citadel) {
	input := MonitorCommandInput{}

	cmd := app.Command("monitor", "Run the continuous session risk monitor until interrupted")

	cmd.Action(func(pc *kingpin.ParseContext) error {
		input.App = c
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := MonitorCommand(ctx, input)
		app.FatalIfError(err, "monitor")
		return nil
	})
}

// MonitorCommand resumes watches for every live session and evaluates
// them on the configured cadence until the context is cancelled. The
// default assembly also runs the automated response loop, so denied
// decisions and terminations observed on the bus drive containment.
func MonitorCommand(ctx context.Context, input MonitorCommandInput) error {
	monitor := input.Monitor
	if monitor == nil {
		built, err := input.App.SessionMonitor(ctx)
		if err != nil {
			return err
		}
		responses, err := input.App.ResponseEngine(ctx)
		if err != nil {
			return err
		}
		go responses.Run(ctx, 0)
		monitor = built
	}
	defer monitor.Stop()

	resumed, err := monitor.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming sessions: %w", err)
	}
	fmt.Printf("Monitoring %d session(s); press Ctrl-C to stop\n", resumed)

	<-ctx.Done()
	return nil
}
