// Package wiring assembles the provider API client, connector supervisor,
// binary manager, pid registry, and orchestrator into one Service — the
// construction both internal/cli and internal/ui need before they can do
// anything. The teacher repo repeats this setup inline in both its cli and
// ui packages (sshclient.New + tunnel.NewManager + appconfig.Load); this
// spec's stack has enough more moving parts (provider API client, binary
// manager, pid registry, connector supervisor, event journal) that
// duplicating it twice invites drift, so it's factored into one place.
package wiring

import (
	"fmt"

	"github.com/NickDunas/tuinnel/internal/binarymgr"
	"github.com/NickDunas/tuinnel/internal/cfapi"
	"github.com/NickDunas/tuinnel/internal/connector"
	"github.com/NickDunas/tuinnel/internal/events"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/orchestrator"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
	"github.com/NickDunas/tuinnel/internal/store"
	"github.com/NickDunas/tuinnel/internal/tunnelsvc"
)

// Stack is everything a CLI command or the TUI needs: the populated
// service, the config it was built from, and the orchestrator underneath
// (purge and quick-tunnel operations bypass the service and call the
// orchestrator directly).
type Stack struct {
	Service      *tunnelsvc.Service
	Orchestrator *orchestrator.Orchestrator
	Config       model.GlobalConfig
	Supervisor   *connector.Supervisor
}

// Build loads config.json, constructs the provider API client from the
// resolved token, and registers every persisted tunnel with the service —
// adopting ones the pid registry shows as still alive from a previous
// invocation (at a best-guess "connected" state, since stderr registration
// history from that earlier process is gone), and registering the rest at
// "stopped".
func Build() (*Stack, error) {
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	token, err := store.ResolveToken(cfg)
	if err != nil {
		return nil, err
	}

	api := cfapi.New(token)
	binaries := binarymgr.New()
	pids := pidregistry.New()
	supervisor := connector.NewSupervisor()
	orch := orchestrator.New(api, binaries, pids, supervisor)
	journal := events.NewStore()
	svc := tunnelsvc.New(orch, journal)

	running, err := pids.GetRunning()
	if err != nil {
		running = map[string]model.PidEntry{}
	}

	for name, tc := range cfg.Tunnels {
		entry, alive := running[name]
		if !alive {
			_ = svc.Create(name, tc)
			continue
		}
		rt := model.TunnelRuntime{
			PID:              entry.PID,
			State:            model.StateConnected,
			ProviderTunnelID: tc.ProviderTunnelID,
			PublicURL:        model.PublicURL(tc),
		}
		svc.Adopt(name, tc, rt, nil)
	}

	return &Stack{Service: svc, Orchestrator: orch, Config: cfg, Supervisor: supervisor}, nil
}
