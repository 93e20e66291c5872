package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/citadelzt/citadel/cli"
)

// Version is provided at compile time
var Version = "dev"

func main() {
	app := kingpin.New("citadel", "Zero-trust access decisions with device binding, JIT elevation, and a tamper-evident audit chain")
	app.Version(Version)

	c := cli.ConfigureGlobals(app)

	// Setup commands
	cli.ConfigureInitCommand(app, c)
	cli.ConfigureBootstrapCommand(app, c)
	cli.ConfigureValidateCommand(app, c)

	// Decision command
	cli.ConfigureDecideCommand(app, c)

	// Identity command
	cli.ConfigureTokenCommand(app, c)

	// Device binding commands
	cli.ConfigureDeviceCommands(app, c)

	// Just-in-time elevation commands
	cli.ConfigureJITCommands(app, c)

	// Break-glass emergency access commands
	cli.ConfigureBreakGlassCommands(app, c)

	// Session commands
	cli.ConfigureSessionCommands(app, c)
	cli.ConfigureMonitorCommand(app, c)

	// Threat prediction commands
	cli.ConfigureThreatCommands(app, c)

	// Policy effectiveness commands
	cli.ConfigurePolicyCommands(app, c)

	// Audit commands
	cli.ConfigureAuditCommands(app, c)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
