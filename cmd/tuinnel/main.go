// Package main is the entry point for the tuinnel binary.
//
// tuinnel exposes local TCP ports to the internet through Cloudflare Tunnel,
// managed by a terminal dashboard (built with Bubble Tea) or a CLI (built
// with Cobra).
//
// When invoked without arguments, it launches the interactive TUI
// dashboard. When invoked with subcommands (e.g. "up", "down", "status"),
// it runs the corresponding CLI operation and exits.
//
// Usage:
//
//	tuinnel              # launch the TUI dashboard
//	tuinnel add my-api --port 8080 --subdomain my-api --zone example.com
//	tuinnel up my-api    # start a tunnel
//	tuinnel status       # show tunnel status
//
// The CLI is constructed in internal/cli and the TUI in internal/ui. This
// file wires them together and translates RunE errors into the process exit
// code the spec defines: 0 success, 1 user error or failure to start any
// tunnel, 2 a non-interactive invocation missing required inputs.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/NickDunas/tuinnel/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
