// Package cli provides tuinnel's command-line interface, built with Cobra.
//
// The CLI is one of two user-facing entry points (the other being the TUI
// dashboard in internal/ui). Invoked with a subcommand, it performs one
// operation and exits with a code reflecting the outcome (spec §6). Invoked
// bare, the root command launches the TUI.
//
// Command tree:
//
//	tuinnel                    → launches the TUI dashboard
//	tuinnel add <name>         → registers a new tunnel definition
//	tuinnel edit <name>        → edits an existing tunnel definition
//	tuinnel remove <name>      → deletes a tunnel definition and its resources
//	tuinnel list               → lists configured tunnels
//	tuinnel up <name...>       → starts tunnel(s)
//	tuinnel down <name...>     → stops tunnel(s)
//	tuinnel restart <name...>  → restarts tunnel(s)
//	tuinnel status             → shows current tunnel state
//	tuinnel events             → shows the lifecycle event journal
//	tuinnel bundle ...         → manage and run named tunnel groups
//	tuinnel doctor             → local diagnostics
//	tuinnel security audit     → local permission/token-shape audit
//	tuinnel purge <name>       → best-effort cleanup of an orphaned tunnel
//	tuinnel quick <port>       → starts an unauthenticated, ephemeral tunnel
//
// The CLI and TUI share internal/tunnelsvc, internal/wiring, and the rest
// of the domain packages, so their behavior is consistent — neither
// duplicates the other's business logic.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NickDunas/tuinnel/internal/bundle"
	"github.com/NickDunas/tuinnel/internal/doctor"
	"github.com/NickDunas/tuinnel/internal/events"
	"github.com/NickDunas/tuinnel/internal/logparser"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/security"
	"github.com/NickDunas/tuinnel/internal/store"
	"github.com/NickDunas/tuinnel/internal/ui"
	"github.com/NickDunas/tuinnel/internal/util"
	"github.com/NickDunas/tuinnel/internal/wiring"
)

// ExitError lets a RunE pick the exit code main() uses, per spec §6: 0
// success, 1 user error / failure to start any tunnel, 2 non-interactive
// invocation missing required inputs.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Err: fmt.Errorf(format, args...)}
}

// NewRootCommand builds the top-level Cobra command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tuinnel",
		Short: "Expose local TCP ports through Cloudflare Tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ui.Run()
		},
	}

	root.AddCommand(newAddCmd())
	root.AddCommand(newEditCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newUpCmd())
	root.AddCommand(newDownCmd())
	root.AddCommand(newRestartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newBundleCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newSecurityCmd())
	root.AddCommand(newPurgeCmd())
	root.AddCommand(newQuickCmd())
	return root
}

func validateTunnelConfig(tc model.TunnelConfig) error {
	if err := util.ValidatePort(tc.Port); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if err := util.ValidateSubdomainLabel(tc.Subdomain); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if strings.TrimSpace(tc.Zone) == "" {
		return &ExitError{Code: 1, Err: fmt.Errorf("zone cannot be empty")}
	}
	if tc.Protocol != model.ProtocolHTTP && tc.Protocol != model.ProtocolHTTPS {
		return &ExitError{Code: 1, Err: fmt.Errorf("protocol must be %q or %q", model.ProtocolHTTP, model.ProtocolHTTPS)}
	}
	return nil
}

func newAddCmd() *cobra.Command {
	var port int
	var subdomain, zone, protocol string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new tunnel definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := store.Load()
			if err != nil {
				return err
			}
			if _, exists := cfg.Tunnels[name]; exists {
				return &ExitError{Code: 1, Err: fmt.Errorf("tunnel %q already exists", name)}
			}
			tc := model.TunnelConfig{Port: port, Subdomain: subdomain, Zone: util.DefaultString(zone, cfg.DefaultZone), Protocol: model.Protocol(protocol)}
			if err := validateTunnelConfig(tc); err != nil {
				return err
			}
			if cfg.Tunnels == nil {
				cfg.Tunnels = map[string]model.TunnelConfig{}
			}
			cfg.Tunnels[name] = tc
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("added %s: port=%d -> %s\n", name, tc.Port, model.PublicURL(tc))
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "local TCP port to expose")
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "DNS label the tunnel is reachable at")
	cmd.Flags().StringVar(&zone, "zone", "", "Cloudflare zone name (defaults to config's defaultZone)")
	cmd.Flags().StringVar(&protocol, "protocol", "http", "origin protocol: http or https")
	return cmd
}

func newEditCmd() *cobra.Command {
	var port int
	var subdomain, zone, protocol string
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Edit an existing tunnel definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := store.Load()
			if err != nil {
				return err
			}
			tc, ok := cfg.Tunnels[name]
			if !ok {
				return &ExitError{Code: 1, Err: fmt.Errorf("tunnel %q not found", name)}
			}
			if cmd.Flags().Changed("port") {
				tc.Port = port
			}
			if cmd.Flags().Changed("subdomain") {
				tc.Subdomain = subdomain
			}
			if cmd.Flags().Changed("zone") {
				tc.Zone = zone
			}
			if cmd.Flags().Changed("protocol") {
				tc.Protocol = model.Protocol(protocol)
			}
			if err := validateTunnelConfig(tc); err != nil {
				return err
			}
			cfg.Tunnels[name] = tc
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("updated %s: port=%d -> %s\n", name, tc.Port, model.PublicURL(tc))
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "local TCP port to expose")
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "DNS label the tunnel is reachable at")
	cmd.Flags().StringVar(&zone, "zone", "", "Cloudflare zone name")
	cmd.Flags().StringVar(&protocol, "protocol", "", "origin protocol: http or https")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Stop and delete a tunnel definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			if _, ok := stack.Config.Tunnels[name]; !ok {
				return &ExitError{Code: 1, Err: fmt.Errorf("tunnel %q not found", name)}
			}
			ctx := context.Background()
			if err := stack.Service.Delete(ctx, name); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %s\n", err)
			}
			delete(stack.Config.Tunnels, name)
			if err := store.Save(stack.Config); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", name)
			return nil
		},
	}
	return cmd
}

func newListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := store.Load()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Tunnels))
			for name := range cfg.Tunnels {
				names = append(names, name)
			}
			sort.Strings(names)

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg.Tunnels)
			}

			fmt.Printf("%-20s %-8s %-30s %-10s %s\n", "NAME", "PORT", "URL", "PROTOCOL", "LAST STATE")
			for _, name := range names {
				tc := cfg.Tunnels[name]
				fmt.Printf("%-20s %-8d %-30s %-10s %s\n", name, tc.Port, model.PublicURL(tc), tc.Protocol, util.EmptyDash(string(tc.LastState)))
			}
			if len(names) == 0 {
				fmt.Println("(no tunnels configured)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// resolveNames applies the common "names, or --all" resolution CLI
// subcommands that operate on multiple tunnels share.
func resolveNames(cfg model.GlobalConfig, args []string, all bool) ([]string, error) {
	if all {
		names := make([]string, 0, len(cfg.Tunnels))
		for name := range cfg.Tunnels {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	if len(args) == 0 {
		return nil, usageError("specify one or more tunnel names, or pass --all")
	}
	return args, nil
}

func newUpCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "up [name...]",
		Short: "Start tunnel(s)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			names, err := resolveNames(stack.Config, args, all)
			if err != nil {
				return err
			}
			ctx := context.Background()
			results := stack.Service.StartMany(ctx, names)
			return reportBulk(names, results, "started")
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "operate on every configured tunnel")
	return cmd
}

func newDownCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "down [name...]",
		Short: "Stop tunnel(s)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			names, err := resolveNames(stack.Config, args, all)
			if err != nil {
				return err
			}
			ctx := context.Background()
			results := stack.Service.StopMany(ctx, names)
			return reportBulk(names, results, "stopped")
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "operate on every configured tunnel")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "restart [name...]",
		Short: "Restart tunnel(s)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			names, err := resolveNames(stack.Config, args, all)
			if err != nil {
				return err
			}
			ctx := context.Background()
			results := make(map[string]error, len(names))
			for _, name := range names {
				results[name] = stack.Service.Restart(ctx, name)
			}
			return reportBulk(names, results, "restarted")
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "operate on every configured tunnel")
	return cmd
}

func reportBulk(names []string, results map[string]error, verb string) error {
	sort.Strings(names)
	failed := 0
	for _, name := range names {
		if err := results[name]; err != nil {
			failed++
			fmt.Printf("failed %s: %v\n", name, err)
			continue
		}
		fmt.Printf("%s %s\n", verb, name)
	}
	if failed > 0 && failed == len(names) {
		return &ExitError{Code: 1, Err: fmt.Errorf("%s failed for all %d tunnel(s)", verb, failed)}
	}
	if failed > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%s failed for %d of %d tunnel(s)", verb, failed, len(names))}
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	var stateFilter string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			snap := stack.Service.Snapshot()
			names := make([]string, 0, len(snap))
			for name := range snap {
				names = append(names, name)
			}
			sort.Strings(names)

			var filtered []model.TunnelRuntime
			for _, name := range names {
				rt := snap[name]
				if stateFilter != "" && string(rt.State) != stateFilter {
					continue
				}
				filtered = append(filtered, rt)
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(filtered)
			}

			fmt.Printf("%-20s %-12s %-8s %-30s %s\n", "NAME", "STATE", "PID", "URL", "LAST ERROR")
			for _, rt := range filtered {
				fmt.Printf("%-20s %-12s %-8d %-30s %s\n", rt.Name, rt.State, rt.PID, rt.PublicURL, util.EmptyDash(rt.LastError))
			}
			if len(filtered) == 0 {
				fmt.Println("(no tunnels)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringVar(&stateFilter, "state", "", "filter by state (creating, stopped, connecting, connected, restarting, disconnected, error)")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var tunnel, eventType, since string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := parseSince(since)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			journal := events.NewStore()
			recs, err := journal.Read(events.Query{Tunnel: tunnel, Type: events.Type(eventType), Since: sinceTime, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Println("(no events)")
				return nil
			}
			fmt.Printf("%-25s %-12s %-20s %-12s %-8s %s\n", "TIMESTAMP", "TYPE", "TUNNEL", "STATE", "PID", "MESSAGE")
			for _, evt := range recs {
				fmt.Printf("%-25s %-12s %-20s %-12s %-8d %s\n",
					evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Tunnel, evt.State, evt.PID, evt.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tunnel, "tunnel", "", "filter by tunnel name")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&since, "since", "", "filter by age duration (e.g. 1h) or RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to return")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func parseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: use duration (e.g. 1h) or RFC3339", s)
	}
	return t, nil
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Manage named tunnel bundles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := bundle.LoadAll()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("(no bundles)")
				return nil
			}
			fmt.Printf("%-24s %s\n", "NAME", "TUNNELS")
			for _, b := range all {
				fmt.Printf("%-24s %s\n", b.Name, strings.Join(b.Tunnels, ", "))
			}
			return nil
		},
	}

	var createTunnels []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create or replace a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bundle.Create(args[0], createTunnels); err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Printf("saved bundle %s with %d tunnel(s)\n", args[0], len(createTunnels))
			return nil
		},
	}
	create.Flags().StringArrayVar(&createTunnels, "tunnel", nil, "tunnel name (repeatable)")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bundle.Delete(args[0]); err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Printf("deleted bundle %s\n", args[0])
			return nil
		},
	}

	up := &cobra.Command{
		Use:   "up <name>",
		Short: "Start every tunnel in a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := bundle.Get(args[0])
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			results := stack.Service.StartMany(context.Background(), def.Tunnels)
			return reportBulk(def.Tunnels, results, "started")
		},
	}

	down := &cobra.Command{
		Use:   "down <name>",
		Short: "Stop every tunnel in a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := bundle.Get(args[0])
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			results := stack.Service.StopMany(context.Background(), def.Tunnels)
			return reportBulk(def.Tunnels, results, "stopped")
		},
	}

	cmd.AddCommand(list, create, del, up, down)
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("No doctor findings.")
				return nil
			}
			fmt.Printf("%-8s %-24s %-22s %s\n", "SEV", "CHECK", "TARGET", "MESSAGE")
			for _, issue := range report.Issues {
				fmt.Printf("%-8s %-24s %-22s %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
			}
			if report.HasHigh() {
				return &ExitError{Code: 1, Err: fmt.Errorf("doctor found high-severity issues")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newSecurityCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Security checks and local posture tools",
	}
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Run a local security audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := security.RunLocalAudit()
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Findings) == 0 {
				fmt.Println("No security findings.")
				return nil
			}
			fmt.Printf("%-8s %-34s %-36s %s\n", "SEV", "TARGET", "MESSAGE", "RECOMMENDATION")
			for _, f := range report.Findings {
				fmt.Printf("%-8s %-34s %-36s %s\n", strings.ToUpper(string(f.Severity)), f.Target, f.Message, f.Recommendation)
			}
			if report.HasHigh() {
				return &ExitError{Code: 1, Err: fmt.Errorf("security audit found high-severity issues")}
			}
			return nil
		},
	}
	audit.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.AddCommand(audit)
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var subdomain, zone string
	cmd := &cobra.Command{
		Use:   "purge <name>",
		Short: "Best-effort cleanup of an orphaned tunnel's provider resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			if tc, ok := stack.Config.Tunnels[name]; ok {
				if subdomain == "" {
					subdomain = tc.Subdomain
				}
				if zone == "" {
					zone = tc.Zone
				}
			}
			warnings := stack.Orchestrator.Purge(context.Background(), name, subdomain, zone)
			delete(stack.Config.Tunnels, name)
			_ = store.Save(stack.Config)
			if len(warnings) > 0 {
				for _, w := range warnings {
					fmt.Fprintf(os.Stderr, "warning: %s\n", w)
				}
			}
			fmt.Printf("purged %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "subdomain to also check for a dangling DNS record")
	cmd.Flags().StringVar(&zone, "zone", "", "zone the subdomain belongs to")
	return cmd
}

func newQuickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quick <port>",
		Short: "Start an unauthenticated, ephemeral tunnel to a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || util.ValidatePort(port) != nil {
				return usageError("invalid port %q", args[0])
			}
			stack, err := wiring.Build()
			if err != nil {
				return err
			}
			loopback := util.ResolveLoopback(port)
			url := fmt.Sprintf("http://%s:%d", loopback, port)
			proc, err := stack.Orchestrator.StartQuick(context.Background(), url)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Printf("quick tunnel starting for %s (pid %d); waiting for an assigned hostname...\n", url, proc.PID())
			lines := proc.Subscribe()
			go func() {
				for line := range lines {
					parsed, ok := logparser.Parse(line)
					if !ok {
						continue
					}
					if hostname, ok := logparser.ExtractQuickTunnelURL(parsed.Message); ok {
						fmt.Printf("tunnel running at %s\n", hostname)
					}
				}
			}()
			fmt.Println("press ctrl-c to stop")
			<-proc.Exited()
			return nil
		},
	}
	return cmd
}
