package tunnelsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NickDunas/tuinnel/internal/binarymgr"
	"github.com/NickDunas/tuinnel/internal/cfapi"
	"github.com/NickDunas/tuinnel/internal/events"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/orchestrator"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
	"github.com/NickDunas/tuinnel/internal/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCloudflare mirrors internal/orchestrator's test double: enough of the
// v4 envelope to exercise startTunnel/stopTunnel end to end through the
// real orchestrator and cfapi client.
type fakeCloudflare struct {
	mu      sync.Mutex
	zones   []cfapi.Zone
	tunnels map[string]cfapi.Tunnel
	dns     map[string]map[string]cfapi.DNSRecord
	next    int
}

func newFakeCloudflare(zoneName string) *fakeCloudflare {
	z := cfapi.Zone{ID: "zone-1", Name: zoneName}
	z.Account.ID = "acct-1"
	return &fakeCloudflare{
		zones:   []cfapi.Zone{z},
		tunnels: map[string]cfapi.Tunnel{},
		dns:     map[string]map[string]cfapi.DNSRecord{},
	}
}

func (f *fakeCloudflare) id(prefix string) string {
	f.next++
	return fmt.Sprintf("%s-%d", prefix, f.next)
}

func envelope(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "errors": []any{}, "messages": []any{}, "result": result})
}

func (f *fakeCloudflare) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		path := r.URL.Path
		switch {
		case path == "/zones" && r.Method == http.MethodGet:
			name := r.URL.Query().Get("name")
			var out []cfapi.Zone
			for _, z := range f.zones {
				if name == "" || z.Name == name {
					out = append(out, z)
				}
			}
			envelope(w, out)
		case strings.HasSuffix(path, "/cfd_tunnel") && r.Method == http.MethodPost:
			var body struct{ Name string `json:"name"` }
			json.NewDecoder(r.Body).Decode(&body)
			t := cfapi.Tunnel{ID: f.id("tun"), Name: body.Name}
			f.tunnels[t.ID] = t
			envelope(w, t)
		case strings.HasSuffix(path, "/cfd_tunnel") && r.Method == http.MethodGet:
			name := r.URL.Query().Get("name")
			var out []cfapi.Tunnel
			for _, t := range f.tunnels {
				if t.Name == name {
					out = append(out, t)
				}
			}
			envelope(w, out)
		case strings.HasSuffix(path, "/token") && r.Method == http.MethodGet:
			envelope(w, "fake-token")
		case strings.HasSuffix(path, "/configurations") && r.Method == http.MethodPut:
			envelope(w, map[string]any{})
		case strings.Contains(path, "/dns_records") && r.Method == http.MethodGet:
			zoneID := strings.Split(strings.TrimPrefix(path, "/"), "/")[1]
			name := r.URL.Query().Get("name")
			var out []cfapi.DNSRecord
			for _, rec := range f.dns[zoneID] {
				if rec.Name == name {
					out = append(out, rec)
				}
			}
			envelope(w, out)
		case strings.Contains(path, "/dns_records") && r.Method == http.MethodPost:
			zoneID := strings.Split(strings.TrimPrefix(path, "/"), "/")[1]
			var body struct{ Type, Name, Content string }
			json.NewDecoder(r.Body).Decode(&body)
			rec := cfapi.DNSRecord{ID: f.id("rec"), Type: body.Type, Name: body.Name, Content: body.Content}
			if f.dns[zoneID] == nil {
				f.dns[zoneID] = map[string]cfapi.DNSRecord{}
			}
			f.dns[zoneID][rec.ID] = rec
			envelope(w, rec)
		case strings.Contains(path, "/dns_records/") && r.Method == http.MethodDelete:
			zoneID := strings.Split(strings.TrimPrefix(path, "/"), "/")[1]
			recID := path[strings.LastIndex(path, "/")+1:]
			delete(f.dns[zoneID], recID)
			envelope(w, map[string]any{"id": recID})
		case strings.HasPrefix(path, "/cfd_tunnel/") && r.Method == http.MethodDelete:
			id := path[strings.LastIndex(path, "/")+1:]
			delete(f.tunnels, id)
			envelope(w, map[string]any{"id": id})
		default:
			w.WriteHeader(404)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "errors": []any{}, "result": nil})
		}
	}
}

func fakeConnectorScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cloudflared")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestService(t *testing.T, fc *fakeCloudflare, connectorScript string) *Service {
	t.Helper()
	srv := httptest.NewServer(fc.handler())
	t.Cleanup(srv.Close)

	home := t.TempDir()
	t.Setenv("HOME", home)

	binDir := filepath.Join(home, ".tuinnel", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(connectorScript)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "cloudflared"), data, 0o755); err != nil {
		t.Fatal(err)
	}

	client := cfapi.NewWithBaseURL("test-token", srv.URL)
	o := orchestrator.New(client, binarymgr.New(), pidregistry.New(), nil)
	return New(o, events.NewStore())
}

func TestCreateTransitionsToStopped(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP}
	if err := svc.Create("app", cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rt, ok := svc.Get("app")
	if !ok || rt.State != model.StateStopped {
		t.Fatalf("state = %+v, ok=%v, want stopped", rt, ok)
	}
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))
	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com"}
	if err := svc.Create("app", cfg); err != nil {
		t.Fatal(err)
	}
	if err := svc.Create("app", cfg); err == nil {
		t.Fatalf("expected duplicate create to be rejected")
	}
}

func TestStartReachesConnectedOnRegistration(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	script := "echo '2024-01-01T00:00:00Z INF Registered tunnel connection connIndex=0 connection=abc event=register ip=1.2.3.4 location=SJC protocol=quic' 1>&2\nsleep 5\n"
	svc := newTestService(t, fc, fakeConnectorScript(t, script))

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP}
	if err := svc.Create("app", cfg); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background(), "app"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rt, _ := svc.Get("app")
		if rt.State == model.StateConnected {
			if len(rt.Connections) != 1 {
				t.Fatalf("expected one recorded connection event, got %d", len(rt.Connections))
			}
			svc.Stop(context.Background(), "app")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("tunnel never reached connected state")
}

func TestStopSettlesAtStopped(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))
	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com"}
	svc.Create("app", cfg)
	if err := svc.Start(context.Background(), "app"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(context.Background(), "app"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rt, _ := svc.Get("app")
	if rt.State != model.StateStopped || rt.PID != 0 {
		t.Fatalf("runtime = %+v, want stopped with no pid", rt)
	}
}

func TestDeleteRemovesFromSnapshot(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))
	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com"}
	svc.Create("app", cfg)
	if err := svc.Delete(context.Background(), "app"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := svc.Get("app"); ok {
		t.Fatalf("expected tunnel to be gone after delete")
	}
}

func TestEventsFireOnCreateAndDelete(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	var kinds []EventKind
	var mu sync.Mutex
	svc.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com"}
	svc.Create("app", cfg)
	svc.Delete(context.Background(), "app")

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) < 3 {
		t.Fatalf("expected at least tunnelAdded, stateChange, tunnelRemoved; got %v", kinds)
	}
	if kinds[0] != EventTunnelAdded {
		t.Fatalf("first event = %v, want tunnelAdded", kinds[0])
	}
	if kinds[len(kinds)-1] != EventTunnelRemoved {
		t.Fatalf("last event = %v, want tunnelRemoved", kinds[len(kinds)-1])
	}
}

func TestAutoStartOnlyStartsRunningTunnels(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	cfg := model.GlobalConfig{
		Version: model.CurrentConfigVersion,
		Tunnels: map[string]model.TunnelConfig{
			"running-one": {Port: 3000, Subdomain: "a", Zone: "example.com", LastState: model.LastStateRunning},
			"stopped-one": {Port: 3001, Subdomain: "b", Zone: "example.com", LastState: model.LastStateStopped},
		},
	}
	if err := store.Save(cfg); err != nil {
		t.Fatal(err)
	}

	svc.AutoStart(context.Background(), cfg)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rt, _ := svc.Get("running-one")
		if rt.State == model.StateConnecting || rt.State == model.StateConnected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	running, _ := svc.Get("running-one")
	if running.State == model.StateStopped || running.State == model.StateCreating {
		t.Fatalf("running-one state = %v, want it to have started", running.State)
	}
	stopped, _ := svc.Get("stopped-one")
	if stopped.State != model.StateStopped {
		t.Fatalf("stopped-one state = %v, want stopped", stopped.State)
	}
	svc.Shutdown(context.Background())
}

func TestLifecycleIsJournaled(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com"}
	if err := svc.Create("app", cfg); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(context.Background(), "app"); err != nil {
		t.Fatal(err)
	}

	journal := events.NewStore()
	got, err := journal.Read(events.Query{Tunnel: "app"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least created+deleted journal entries, got %v", got)
	}
	if got[0].Type != events.TypeCreated {
		t.Fatalf("first journal entry = %v, want created", got[0].Type)
	}
	if got[len(got)-1].Type != events.TypeDeleted {
		t.Fatalf("last journal entry = %v, want deleted", got[len(got)-1].Type)
	}
}

func TestStartManyBringsUpEveryTunnel(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	for _, name := range []string{"a", "b"} {
		cfg := model.TunnelConfig{Port: 3000, Subdomain: name, Zone: "example.com"}
		if err := svc.Create(name, cfg); err != nil {
			t.Fatal(err)
		}
	}

	errs := svc.StartMany(context.Background(), []string{"a", "b"})
	for name, err := range errs {
		if err != nil {
			t.Fatalf("StartMany(%s): %v", name, err)
		}
	}
	for _, name := range []string{"a", "b"} {
		rt, _ := svc.Get(name)
		if rt.State != model.StateConnecting && rt.State != model.StateConnected {
			t.Fatalf("%s state = %v, want connecting/connected after StartMany", name, rt.State)
		}
	}
	svc.Shutdown(context.Background())
}

func TestShutdownStopsAllLiveProcesses(t *testing.T) {
	fc := newFakeCloudflare("example.com")
	svc := newTestService(t, fc, fakeConnectorScript(t, "sleep 5\n"))

	for _, name := range []string{"a", "b"} {
		cfg := model.TunnelConfig{Port: 3000, Subdomain: name, Zone: "example.com"}
		if err := svc.Create(name, cfg); err != nil {
			t.Fatal(err)
		}
		if err := svc.Start(context.Background(), name); err != nil {
			t.Fatalf("Start(%s): %v", name, err)
		}
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		rt, _ := svc.Get(name)
		if rt.State != model.StateStopped {
			t.Fatalf("%s state = %v, want stopped", name, rt.State)
		}
	}
}
