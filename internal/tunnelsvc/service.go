// Package tunnelsvc is the state hub (spec §4.F): the single owner of every
// tunnel's in-memory TunnelRuntime and its attached connector process. Every
// mutation goes through a method on Service, which serializes access with
// one mutex — the same pattern the teacher's internal/tunnel.Manager uses,
// generalized from a single "connected/disconnected" toggle to the full
// state machine this spec requires.
package tunnelsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NickDunas/tuinnel/internal/connector"
	"github.com/NickDunas/tuinnel/internal/events"
	"github.com/NickDunas/tuinnel/internal/logparser"
	"github.com/NickDunas/tuinnel/internal/metrics"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/orchestrator"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
	"github.com/NickDunas/tuinnel/internal/security"
	"github.com/NickDunas/tuinnel/internal/store"
)

// entry is everything the service keeps for one tunnel beyond the
// client-visible TunnelRuntime: the live process, if any, and its metrics
// scraper.
type entry struct {
	runtime  model.TunnelRuntime
	process  *connector.Process
	scraper  *metrics.Scraper
	dnsZone  string
	dnsRecID string
	acctID   string
}

// Service is the single owner of tunnel runtime state. All exported methods
// are safe for concurrent use; every mutation happens under mu.
type Service struct {
	mu      chan struct{} // binary semaphore; see lock()/unlock()
	o       *orchestrator.Orchestrator
	journal *events.Store
	bus     eventBus
	data    map[string]*entry
}

// New creates a Service backed by o, journaling lifecycle transitions to
// journal (pass nil to skip the journal entirely). Call Adopt or AutoStart
// afterward to populate it from persisted state.
func New(o *orchestrator.Orchestrator, journal *events.Store) *Service {
	s := &Service{
		mu:      make(chan struct{}, 1),
		o:       o,
		journal: journal,
		data:    map[string]*entry{},
	}
	s.mu <- struct{}{}
	return s
}

// record appends evt to the lifecycle journal, best-effort: a journal write
// failure must never block a state transition.
func (s *Service) record(name string, typ events.Type, st model.TunnelState, pid int, msg string) {
	if s.journal == nil {
		return
	}
	_ = s.journal.Append(events.Event{Tunnel: name, Type: typ, State: st, PID: pid, Message: msg})
}

func (s *Service) lock()   { <-s.mu }
func (s *Service) unlock() { s.mu <- struct{}{} }

// Subscribe registers l to receive future events. Not retroactive: l will
// not be replayed past events.
func (s *Service) Subscribe(l Listener) {
	s.lock()
	defer s.unlock()
	s.bus.subscribe(l)
}

// Snapshot returns a copy of every tracked tunnel's runtime, safe to read
// without further synchronization.
func (s *Service) Snapshot() map[string]model.TunnelRuntime {
	s.lock()
	defer s.unlock()
	out := make(map[string]model.TunnelRuntime, len(s.data))
	for name, e := range s.data {
		out[name] = e.runtime
	}
	return out
}

// Get returns a copy of one tunnel's runtime.
func (s *Service) Get(name string) (model.TunnelRuntime, bool) {
	s.lock()
	defer s.unlock()
	e, ok := s.data[name]
	if !ok {
		return model.TunnelRuntime{}, false
	}
	return e.runtime, true
}

// setState transitions name to next, publishes stateChange, and persists
// lastState. Caller must hold mu.
func (s *Service) setState(name string, next model.TunnelState) {
	e, ok := s.data[name]
	if !ok {
		return
	}
	prev := e.runtime.State
	if prev == next {
		return
	}
	e.runtime.State = next
	if next == model.StateConnected {
		e.runtime.ConnectedAt = nowMillis()
	} else if prev == model.StateConnected {
		e.runtime.ConnectedAt = 0
	}
	s.persistLastStateLocked(name, next)
	s.bus.publish(Event{Kind: EventStateChange, Name: name, From: string(prev), To: string(next)})
	if typ, ok := journalTypeFor(next); ok {
		s.record(name, typ, next, e.runtime.PID, e.runtime.LastError)
	}
}

// journalTypeFor maps a subset of TunnelState transitions onto the
// coarser-grained events.Type vocabulary the lifecycle journal records
// (spec's supplemental internal/events feature); not every intermediate
// state gets its own journal entry.
func journalTypeFor(st model.TunnelState) (events.Type, bool) {
	switch st {
	case model.StateConnecting:
		return events.TypeStarted, true
	case model.StateConnected:
		return events.TypeConnected, true
	case model.StateStopped, model.StateDisconnected:
		return events.TypeStopped, true
	case model.StateError:
		return events.TypeError, true
	}
	return "", false
}

// persistLastStateLocked writes the running/stopped projection of next back
// to config.json, so autoStart knows what to bring back up next launch
// (spec §4.F persistence contract). Best-effort: a write failure is folded
// into LastError rather than blocking the state transition.
func (s *Service) persistLastStateLocked(name string, next model.TunnelState) {
	cfg, err := store.Load()
	if err != nil {
		return
	}
	tc, ok := cfg.Tunnels[name]
	if !ok {
		return
	}
	if isRunningState(next) {
		tc.LastState = model.LastStateRunning
	} else {
		tc.LastState = model.LastStateStopped
	}
	cfg.Tunnels[name] = tc
	if err := store.Save(cfg); err != nil {
		if e, ok := s.data[name]; ok {
			e.runtime.LastError = fmt.Sprintf("persist lastState: %v", err)
		}
	}
}

func isRunningState(st model.TunnelState) bool {
	switch st {
	case model.StateConnecting, model.StateConnected, model.StateRestarting:
		return true
	}
	return false
}

// Create registers a new tunnel at StateCreating, then immediately settles
// it to StateStopped — local registration has no cloud leg to fail on (spec
// §4.F diagram: creating's only transition is to stopped).
func (s *Service) Create(name string, cfg model.TunnelConfig) error {
	s.lock()
	defer s.unlock()
	if _, exists := s.data[name]; exists {
		return fmt.Errorf("tunnel %q already exists", name)
	}
	e := &entry{runtime: model.TunnelRuntime{Name: name, Config: cfg, State: model.StateCreating}}
	s.data[name] = e
	s.bus.publish(Event{Kind: EventTunnelAdded, Name: name})
	s.record(name, events.TypeCreated, model.StateCreating, 0, "")
	s.setState(name, model.StateStopped)
	return nil
}

// Start implements the stopped->connecting->connected leg of spec §4.F: it
// calls the orchestrator's startTunnel and, once the connector announces
// registration on stderr, flips to connected.
func (s *Service) Start(ctx context.Context, name string) error {
	s.lock()
	e, ok := s.data[name]
	if !ok {
		s.unlock()
		return fmt.Errorf("tunnel %q is not registered", name)
	}
	if e.runtime.State == model.StateConnecting || e.runtime.State == model.StateConnected {
		s.unlock()
		return nil
	}
	cfg := e.runtime.Config
	s.setState(name, model.StateConnecting)
	s.unlock()

	res, _, err := s.o.StartTunnel(ctx, name, cfg)
	if err != nil {
		s.lock()
		e.runtime.LastError = security.UserMessage(err, true)
		s.setState(name, model.StateError)
		s.unlock()
		return err
	}

	acctID, _ := s.o.AccountID(ctx)

	s.lock()
	e.process = res.Process
	e.dnsZone = res.DNSZoneID
	e.dnsRecID = res.DNSRecordID
	e.acctID = acctID
	e.runtime.ProviderTunnelID = res.TunnelID
	e.runtime.ConnectorToken = res.ConnectorToken
	e.runtime.PublicURL = res.PublicURL
	e.runtime.PID = res.Process.PID()
	e.runtime.LastError = ""
	e.scraper = metrics.New()
	s.unlock()

	go s.watchProcess(name, res.Process)
	return nil
}

// watchProcess pumps the connector's stderr through the log parser, looking
// for registration (-> connected) and a metrics address (-> scraper
// attached), until the process exits.
func (s *Service) watchProcess(name string, proc *connector.Process) {
	lines := proc.Subscribe()
	for line := range lines {
		parsed, ok := logparser.Parse(line)
		if !ok {
			continue
		}
		s.lock()
		e, tracked := s.data[name]
		if !tracked || e.process != proc {
			s.unlock()
			return
		}
		evt := model.ConnectionEvent{
			Timestamp: parsed.Timestamp.UTC().UnixMilli(),
			Level:     parsed.Level,
			Message:   parsed.Message,
		}
		if reg, ok := logparser.ExtractRegistration(parsed.Fields, parsed.FieldOrder); ok {
			evt.ConnIndex = reg.ConnIndex
			evt.ConnectionID = reg.ConnectionID
			evt.Location = reg.Location
			evt.EdgeIP = reg.EdgeIP
			evt.Protocol = reg.Protocol
			if e.runtime.State == model.StateConnecting {
				s.setState(name, model.StateConnected)
			}
		}
		e.runtime.AppendConnection(evt)
		if addr, ok := logparser.ExtractMetricsAddr(parsed.Message); ok && e.runtime.MetricsAddr == "" {
			e.runtime.MetricsAddr = addr
			if e.scraper != nil {
				e.scraper.SetAddr(addr)
			}
		}
		s.unlock()
	}

	code, _ := proc.Wait()
	s.lock()
	e, tracked := s.data[name]
	if tracked && e.process == proc {
		if code == 0 {
			s.setState(name, model.StateDisconnected)
		} else {
			e.runtime.LastError = fmt.Sprintf("cloudflared exited with code %d", code)
			s.setState(name, model.StateError)
		}
		e.runtime.PID = 0
	}
	s.unlock()
}

// Stop implements spec §4.F stop: kill the connector and settle at stopped,
// leaving cloud resources (tunnel, DNS) untouched for the next start.
func (s *Service) Stop(ctx context.Context, name string) error {
	s.lock()
	e, ok := s.data[name]
	if !ok {
		s.unlock()
		return fmt.Errorf("tunnel %q is not registered", name)
	}
	proc := e.process
	pid := e.runtime.PID
	acctID, tunnelID, zone, rec := e.acctID, e.runtime.ProviderTunnelID, e.dnsZone, e.dnsRecID
	if e.scraper != nil {
		e.scraper.Stop()
	}
	s.unlock()

	// A tunnel adopted from the pid registry (spawned by an earlier
	// invocation of this program) has no live *connector.Process to kill —
	// only a bare pid. Signal it directly before the orchestrator's own
	// proc.Kill() no-ops on a nil process.
	if proc == nil && pid > 0 {
		_ = pidregistry.KillPID(pid)
	}

	warnings := s.o.StopTunnel(ctx, name, proc, false, acctID, tunnelID, zone, rec)

	s.lock()
	e.process = nil
	e.runtime.PID = 0
	e.runtime.MetricsAddr = ""
	if len(warnings) > 0 {
		e.runtime.LastError = warnings[len(warnings)-1]
	}
	s.setState(name, model.StateStopped)
	s.unlock()
	return nil
}

// Restart implements spec §4.F restart: stop, pass through restarting, then
// start again.
func (s *Service) Restart(ctx context.Context, name string) error {
	s.lock()
	if _, ok := s.data[name]; !ok {
		s.unlock()
		return fmt.Errorf("tunnel %q is not registered", name)
	}
	s.setState(name, model.StateRestarting)
	s.unlock()

	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

// Delete implements spec §4.F delete: stop if running, delete provider
// resources, and remove the tunnel from memory entirely.
func (s *Service) Delete(ctx context.Context, name string) error {
	s.lock()
	e, ok := s.data[name]
	if !ok {
		s.unlock()
		return fmt.Errorf("tunnel %q is not registered", name)
	}
	proc := e.process
	pid := e.runtime.PID
	acctID, tunnelID, zone, rec := e.acctID, e.runtime.ProviderTunnelID, e.dnsZone, e.dnsRecID
	if e.scraper != nil {
		e.scraper.Stop()
	}
	s.unlock()

	if proc == nil && pid > 0 {
		_ = pidregistry.KillPID(pid)
	}

	s.o.DeleteTunnel(ctx, name, proc, acctID, tunnelID, zone, rec)

	s.record(name, events.TypeDeleted, "", 0, "")

	s.lock()
	delete(s.data, name)
	s.bus.publish(Event{Kind: EventTunnelRemoved, Name: name})
	s.unlock()
	return nil
}

// Adopt registers a tunnel whose connector process is already running —
// recovered from the PID registry at startup rather than spawned by this
// Service — without re-running the cloud orchestration steps.
func (s *Service) Adopt(name string, cfg model.TunnelConfig, runtime model.TunnelRuntime, proc *connector.Process) {
	s.lock()
	runtime.Name = name
	runtime.Config = cfg
	e := &entry{runtime: runtime, process: proc}
	s.data[name] = e
	s.bus.publish(Event{Kind: EventTunnelAdded, Name: name})
	s.unlock()

	if proc != nil {
		go s.watchProcess(name, proc)
	}
}

// AutoStart brings up every persisted tunnel whose lastState is "running"
// (spec §4.F persistence contract), registering every other persisted
// tunnel at stopped. Errors for individual tunnels are collected, not
// raised — one bad tunnel must not block the rest from coming up.
func (s *Service) AutoStart(ctx context.Context, cfg model.GlobalConfig) []string {
	var warnings []string
	for name, tc := range cfg.Tunnels {
		if err := s.Create(name, tc); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		if tc.LastState != model.LastStateRunning {
			continue
		}
		if err := s.Start(ctx, name); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return warnings
}

// Shutdown concurrently stops every live connector process and persists
// final state. Stop reports kill and cleanup problems through LastError, not
// as an error, so a process that won't die does not keep the others from
// being asked to stop. The returned error is the first error any Stop
// returned (Stop fails only for a tunnel that is no longer registered).
func (s *Service) Shutdown(ctx context.Context) error {
	s.lock()
	names := make([]string, 0, len(s.data))
	for name, e := range s.data {
		if e.process != nil {
			names = append(names, name)
		}
	}
	s.unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return s.Stop(gctx, name)
		})
	}
	return g.Wait()
}

// StartMany starts every named tunnel concurrently, used by `tuinnel bundle
// up` (spec §3's otherwise-unspecified "bulk operations"). Per-tunnel
// failures are collected and returned together rather than aborting the
// rest of the bundle.
func (s *Service) StartMany(ctx context.Context, names []string) map[string]error {
	return s.bulk(ctx, names, s.Start)
}

// StopMany stops every named tunnel concurrently, used by `tuinnel bundle
// down`.
func (s *Service) StopMany(ctx context.Context, names []string) map[string]error {
	return s.bulk(ctx, names, s.Stop)
}

func (s *Service) bulk(ctx context.Context, names []string, op func(context.Context, string) error) map[string]error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]error, len(names))
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := op(ctx, name)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// nowMillis is a thin seam so tests can observe ConnectedAt without being
// coupled to wall-clock time; production code always goes through the real
// clock.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
