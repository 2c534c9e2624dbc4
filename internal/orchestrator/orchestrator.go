// Package orchestrator drives the Cloudflare-side lifecycle of one tunnel —
// tunnel creation, ingress configuration, DNS record management, and the
// connector spawn — as a single idempotent operation per verb with
// best-effort compensation on failure (spec §4.B).
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/NickDunas/tuinnel/internal/binarymgr"
	"github.com/NickDunas/tuinnel/internal/cfapi"
	"github.com/NickDunas/tuinnel/internal/connector"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
	"github.com/NickDunas/tuinnel/internal/security"
	"github.com/NickDunas/tuinnel/internal/util"
)

// Orchestrator wires together the provider API client, the connector
// supervisor, the binary manager, and the PID registry into the
// higher-level tunnel operations the CLI/TUI call.
type Orchestrator struct {
	api       *cfapi.Client
	binaries  *binarymgr.Manager
	pids      *pidregistry.Registry
	supervisor *connector.Supervisor
}

// New creates an Orchestrator.
func New(api *cfapi.Client, binaries *binarymgr.Manager, pids *pidregistry.Registry, supervisor *connector.Supervisor) *Orchestrator {
	return &Orchestrator{api: api, binaries: binaries, pids: pids, supervisor: supervisor}
}

// StartResult is what startTunnel returns on success (spec §4.B).
type StartResult struct {
	TunnelID       string
	ConnectorToken string
	DNSRecordID    string
	DNSZoneID      string
	Process        *connector.Process
	PublicURL      string
}

// AccountID returns the (cached) single account ID associated with the
// configured API token, for callers that need to address DeleteTunnel or
// DeleteDNSRecord without re-running the full startTunnel sequence.
func (o *Orchestrator) AccountID(ctx context.Context) (string, error) {
	return o.api.AccountID(ctx)
}

// CreateOrGetTunnel implements spec §4.B createOrGetTunnel: create the
// cfd_tunnel, falling back to a by-name lookup on a recoverable (name
// already exists) conflict.
func (o *Orchestrator) CreateOrGetTunnel(ctx context.Context, accountID, name string) (tunnelID, token string, err error) {
	providerName := model.ProviderTunnelName(name)

	t, err := o.api.CreateTunnel(ctx, accountID, providerName)
	if err != nil {
		if security.ClassOf(err) != security.Recoverable {
			return "", "", err
		}
		found, ok, findErr := o.api.FindTunnelByName(ctx, accountID, providerName)
		if findErr != nil {
			return "", "", findErr
		}
		if !ok {
			return "", "", security.NewClassifiedError(
				fmt.Sprintf("tunnel %q was reported as existing but could not be found", providerName),
				"create returned a recoverable conflict but the by-name lookup found nothing")
		}
		t = found
	}

	token, err = o.api.TunnelToken(ctx, accountID, t.ID)
	if err != nil {
		return "", "", err
	}
	return t.ID, token, nil
}

// UpdateIngress implements spec §4.B updateIngress: exactly two rules, the
// hostname rule then a catch-all.
func (o *Orchestrator) UpdateIngress(ctx context.Context, accountID, tunnelID, hostname string, port int, protocol model.Protocol, loopback string) error {
	rule := cfapi.IngressRule{
		Hostname: hostname,
		Service:  fmt.Sprintf("%s://%s:%d", protocol, loopback, port),
		OriginRequest: &cfapi.OriginRequest{
			HTTPHostHeader: fmt.Sprintf("localhost:%d", port),
			NoTLSVerify:    protocol == model.ProtocolHTTPS,
		},
	}
	catchAll := cfapi.IngressRule{Service: "http_status:404"}
	return o.api.UpdateIngress(ctx, accountID, tunnelID, []cfapi.IngressRule{rule, catchAll})
}

// CreateOrVerifyDNSResult is the outcome of createOrVerifyDns.
type CreateOrVerifyDNSResult struct {
	RecordID string
	Created  bool
	Conflict string // old content, set iff an existing differing record was repointed
}

// CreateOrVerifyDNS implements spec §4.B createOrVerifyDns.
func (o *Orchestrator) CreateOrVerifyDNS(ctx context.Context, zoneID, hostname, tunnelID string) (CreateOrVerifyDNSResult, error) {
	target := cfapi.TunnelCNAMETarget(tunnelID)

	existing, found, err := o.api.FindCNAME(ctx, zoneID, hostname)
	if err != nil {
		return CreateOrVerifyDNSResult{}, err
	}

	if found {
		if existing.Content == target {
			return CreateOrVerifyDNSResult{RecordID: existing.ID, Created: false}, nil
		}
		updated, err := o.api.UpdateCNAME(ctx, zoneID, existing.ID, hostname, target)
		if err != nil {
			if security.ClassOf(err) == security.Recoverable {
				// Treated as a no-op per spec: re-read resolves the race.
				reread, ok, rerr := o.api.FindCNAME(ctx, zoneID, hostname)
				if rerr != nil {
					return CreateOrVerifyDNSResult{}, rerr
				}
				if ok {
					return CreateOrVerifyDNSResult{RecordID: reread.ID, Created: false, Conflict: existing.Content}, nil
				}
			}
			return CreateOrVerifyDNSResult{}, err
		}
		return CreateOrVerifyDNSResult{RecordID: updated.ID, Created: false, Conflict: existing.Content}, nil
	}

	created, err := o.api.CreateCNAME(ctx, zoneID, hostname, target)
	if err != nil {
		if security.ClassOf(err) == security.Recoverable {
			reread, ok, rerr := o.api.FindCNAME(ctx, zoneID, hostname)
			if rerr != nil {
				return CreateOrVerifyDNSResult{}, rerr
			}
			if ok {
				return CreateOrVerifyDNSResult{RecordID: reread.ID, Created: false}, nil
			}
		}
		return CreateOrVerifyDNSResult{}, err
	}
	return CreateOrVerifyDNSResult{RecordID: created.ID, Created: true}, nil
}

// compensation records what has actually been done so far during
// startTunnel, so a failure partway through can be unwound in reverse
// order (spec §4.B).
type compensation struct {
	tunnelCreated   bool
	tunnelID        string
	accountID       string
	dnsCreated      bool
	dnsZoneID       string
	dnsRecordID     string
	process         *connector.Process
	name            string
}

// CompensationReport is the cleanup-failure report in StartTunnel's
// signature. StartTunnel always returns it as nil: rollback folds cleanup
// failures into the debug detail of the returned error instead.
type CompensationReport struct {
	Failures []string
}

// StartTunnel implements spec §4.B startTunnel: the compensating
// transaction that creates/updates cloud resources and spawns the
// connector.
func (o *Orchestrator) StartTunnel(ctx context.Context, name string, cfg model.TunnelConfig) (StartResult, *CompensationReport, error) {
	comp := &compensation{name: name}

	accountID, err := o.api.AccountID(ctx)
	if err != nil {
		return StartResult{}, nil, err
	}
	comp.accountID = accountID

	zone, ok, err := o.api.FindZoneByName(ctx, cfg.Zone)
	if err != nil {
		return StartResult{}, nil, err
	}
	if !ok {
		zones, listErr := o.api.ListZones(ctx, nil)
		names := "(could not list zones: " + errString(listErr) + ")"
		if listErr == nil {
			var n []string
			for _, z := range zones {
				n = append(n, z.Name)
			}
			names = strings.Join(n, ", ")
		}
		return StartResult{}, nil, security.NewClassifiedError(
			fmt.Sprintf("zone %q not found among available zones: %s", cfg.Zone, names),
			"FindZoneByName returned no match")
	}

	loopback := util.ResolveLoopback(cfg.Port)

	tunnelID, token, err := o.CreateOrGetTunnel(ctx, accountID, name)
	if err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}
	comp.tunnelCreated = true
	comp.tunnelID = tunnelID

	hostname := cfg.Subdomain + "." + cfg.Zone
	if err := o.UpdateIngress(ctx, accountID, tunnelID, hostname, cfg.Port, cfg.Protocol, loopback); err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}

	dnsResult, err := o.CreateOrVerifyDNS(ctx, zone.ID, hostname, tunnelID)
	if err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}
	comp.dnsCreated = dnsResult.Created
	comp.dnsZoneID = zone.ID
	comp.dnsRecordID = dnsResult.RecordID

	binPath, err := o.binaries.Ensure(ctx)
	if err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}

	proc, err := connector.Spawn(ctx, binPath, token, connector.Options{})
	if err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}
	comp.process = proc
	if o.supervisor != nil {
		o.supervisor.Track(proc)
	}

	if err := o.pids.Set(name, proc.PID()); err != nil {
		return StartResult{}, nil, o.rollback(ctx, comp, err)
	}

	return StartResult{
		TunnelID:       tunnelID,
		ConnectorToken: token,
		DNSRecordID:    dnsResult.RecordID,
		DNSZoneID:      zone.ID,
		Process:        proc,
		PublicURL:      model.PublicURL(cfg),
	}, nil, nil
}

// StartQuick starts an unauthenticated, ephemeral tunnel against a local
// loopback URL: no provider tunnel, no ingress rule, no DNS record — the
// quick-tunnel supplemental feature skips steps 4-6 of StartTunnel
// entirely. The caller discovers the assigned trycloudflare.com hostname by
// watching the returned process's stderr for logparser.ExtractQuickTunnelURL.
func (o *Orchestrator) StartQuick(ctx context.Context, loopbackURL string) (*connector.Process, error) {
	binPath, err := o.binaries.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	proc, err := connector.SpawnQuick(ctx, binPath, loopbackURL, connector.Options{})
	if err != nil {
		return nil, err
	}
	if o.supervisor != nil {
		o.supervisor.Track(proc)
	}
	return proc, nil
}

// rollback performs best-effort cleanup in reverse order (kill process,
// delete DNS record, delete tunnel). With no cleanup failures it returns the
// original error; otherwise it returns an error with the original's class and
// user message whose debug detail also lists the cleanup failures.
func (o *Orchestrator) rollback(ctx context.Context, comp *compensation, original error) error {
	report := &CompensationReport{}

	if comp.process != nil {
		if err := comp.process.Kill(); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("kill process: %v", err))
		}
	}
	if comp.dnsCreated && comp.dnsRecordID != "" {
		if err := o.api.DeleteDNSRecord(ctx, comp.dnsZoneID, comp.dnsRecordID); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("delete dns record: %v", err))
		}
	}
	if comp.tunnelCreated && comp.tunnelID != "" {
		if err := o.api.DeleteTunnel(ctx, comp.accountID, comp.tunnelID); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("delete tunnel: %v", err))
		}
	}

	if len(report.Failures) == 0 {
		return original
	}
	return security.New(security.ClassOf(original),
		security.UserMessage(original, false),
		fmt.Sprintf("%v; cleanup also failed: %s", security.DebugMessage(original), strings.Join(report.Failures, "; ")),
		"")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StopTunnel implements spec §4.B stopTunnel: kill the connector, remove
// the pid entry, and optionally delete the DNS record and tunnel (each
// failure logged but not fatal).
func (o *Orchestrator) StopTunnel(ctx context.Context, name string, proc *connector.Process, clean bool, accountID, tunnelID, dnsZoneID, dnsRecordID string) []string {
	var warnings []string

	if proc != nil {
		if err := proc.Kill(); err != nil {
			warnings = append(warnings, fmt.Sprintf("kill process: %v", err))
		}
	}
	if err := o.pids.Remove(name); err != nil {
		warnings = append(warnings, fmt.Sprintf("remove pid entry: %v", err))
	}

	if !clean {
		return warnings
	}

	if dnsRecordID != "" {
		if err := o.api.DeleteDNSRecord(ctx, dnsZoneID, dnsRecordID); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete dns record: %v", err))
		}
	}
	if tunnelID != "" {
		if err := o.api.DeleteTunnel(ctx, accountID, tunnelID); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete tunnel: %v", err))
		}
	}
	return warnings
}

// DeleteTunnel implements spec §4.B deleteTunnel: stop if running, delete
// provider resources. Persisted-config removal is the caller's
// responsibility (store package).
func (o *Orchestrator) DeleteTunnel(ctx context.Context, name string, proc *connector.Process, accountID, tunnelID, dnsZoneID, dnsRecordID string) []string {
	return o.StopTunnel(ctx, name, proc, true, accountID, tunnelID, dnsZoneID, dnsRecordID)
}

// Purge re-runs best-effort deletion of a named tunnel's provider-side
// resources, the pid registry entry, and (if subdomain/zone are known) its
// DNS record — for a name whose local config entry was already removed or
// never matched what the provider has (spec §7's named cleanup
// subcommand). Unlike DeleteTunnel it looks the provider tunnel and DNS
// record up by name rather than requiring the caller to already hold their
// IDs, since purge exists precisely for the case where that bookkeeping was
// lost.
func (o *Orchestrator) Purge(ctx context.Context, name, subdomain, zone string) []string {
	var warnings []string

	if err := o.pids.Remove(name); err != nil {
		warnings = append(warnings, fmt.Sprintf("remove pid entry: %v", err))
	}

	accountID, err := o.api.AccountID(ctx)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("resolve account: %v", err))
		return warnings
	}

	if subdomain != "" && zone != "" {
		if z, zok, zerr := o.api.FindZoneByName(ctx, zone); zerr == nil && zok {
			hostname := subdomain + "." + zone
			if rec, rok, rerr := o.api.FindCNAME(ctx, z.ID, hostname); rerr == nil && rok {
				if err := o.api.DeleteDNSRecord(ctx, z.ID, rec.ID); err != nil {
					warnings = append(warnings, fmt.Sprintf("delete dns record: %v", err))
				}
			}
		}
	}

	providerName := model.ProviderTunnelName(name)
	tunnel, found, err := o.api.FindTunnelByName(ctx, accountID, providerName)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("find tunnel: %v", err))
	} else if found {
		if err := o.api.DeleteTunnel(ctx, accountID, tunnel.ID); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete tunnel: %v", err))
		}
	}

	return warnings
}
