package orchestrator

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

	"github.com/NickDunas/tuinnel/internal/binarymgr"
	"github.com/NickDunas/tuinnel/internal/cfapi"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
)

// fakeCloudflare is a minimal in-memory stand-in for the Cloudflare API v4
// endpoints the orchestrator calls, enough to exercise the happy path and
// the rollback path without a real network.
type fakeCloudflare struct {
	mu sync.Mutex

	zones       []cfapi.Zone
	tunnels     map[string]cfapi.Tunnel
	dnsRecords  map[string]map[string]cfapi.DNSRecord // zoneID -> recordID -> record
	nextID      int
	deletedTunnels map[string]bool

	failCreateTunnel bool
	failConfigure    bool
	failDNSCreate    bool
}

func newFakeCloudflare() *fakeCloudflare {
	return &fakeCloudflare{
		tunnels:        map[string]cfapi.Tunnel{},
		dnsRecords:     map[string]map[string]cfapi.DNSRecord{},
		deletedTunnels: map[string]bool{},
	}
}

func (f *fakeCloudflare) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func writeEnvelope(w http.ResponseWriter, status int, result any) {
	w.WriteHeader(status)
	body := map[string]any{"success": true, "errors": []any{}, "messages": []any{}, "result": result}
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.WriteHeader(status)
	body := map[string]any{
		"success": false, "messages": []any{},
		"errors": []map[string]any{{"code": code, "message": msg}},
		"result": nil,
	}
	json.NewEncoder(w).Encode(body)
}

func (f *fakeCloudflare) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

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
			writeEnvelope(w, 200, out)

		case strings.HasSuffix(path, "/cfd_tunnel") && r.Method == http.MethodPost:
			if f.failCreateTunnel {
				writeError(w, 400, 9109, "tunnel name already exists")
				return
			}
			var body struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			t := cfapi.Tunnel{ID: f.genID("tun"), Name: body.Name}
			f.tunnels[t.ID] = t
			writeEnvelope(w, 200, t)

		case strings.HasSuffix(path, "/cfd_tunnel") && r.Method == http.MethodGet:
			name := r.URL.Query().Get("name")
			var out []cfapi.Tunnel
			for _, t := range f.tunnels {
				if t.Name == name {
					out = append(out, t)
				}
			}
			writeEnvelope(w, 200, out)

		case strings.HasSuffix(path, "/token") && r.Method == http.MethodGet:
			writeEnvelope(w, 200, "fake-connector-token")

		case strings.HasSuffix(path, "/configurations") && r.Method == http.MethodPut:
			if f.failConfigure {
				writeError(w, 400, 9999, "ingress rejected")
				return
			}
			writeEnvelope(w, 200, map[string]any{})

		case strings.Contains(path, "/dns_records") && r.Method == http.MethodGet:
			zoneID := pathSegment(path, 1)
			name := r.URL.Query().Get("name")
			var out []cfapi.DNSRecord
			for _, rec := range f.dnsRecords[zoneID] {
				if rec.Name == name {
					out = append(out, rec)
				}
			}
			writeEnvelope(w, 200, out)

		case strings.Contains(path, "/dns_records") && r.Method == http.MethodPost:
			if f.failDNSCreate {
				writeError(w, 500, 0, "internal error")
				return
			}
			zoneID := pathSegment(path, 1)
			var body struct {
				Type, Name, Content string
			}
			json.NewDecoder(r.Body).Decode(&body)
			rec := cfapi.DNSRecord{ID: f.genID("rec"), Type: body.Type, Name: body.Name, Content: body.Content}
			if f.dnsRecords[zoneID] == nil {
				f.dnsRecords[zoneID] = map[string]cfapi.DNSRecord{}
			}
			f.dnsRecords[zoneID][rec.ID] = rec
			writeEnvelope(w, 200, rec)

		case strings.Contains(path, "/dns_records/") && r.Method == http.MethodDelete:
			zoneID := pathSegment(path, 1)
			recID := path[strings.LastIndex(path, "/")+1:]
			delete(f.dnsRecords[zoneID], recID)
			writeEnvelope(w, 200, map[string]any{"id": recID})

		case strings.HasSuffix(path, "/cfd_tunnel/"+lastSegment(path)) && r.Method == http.MethodDelete:
			id := lastSegment(path)
			delete(f.tunnels, id)
			f.deletedTunnels[id] = true
			writeEnvelope(w, 200, map[string]any{"id": id})

		default:
			writeError(w, 404, 0, "not found: "+path)
		}
	}
}

func pathSegment(path string, idxFromZones int) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if idxFromZones < len(parts) {
		return parts[idxFromZones]
	}
	return ""
}

func lastSegment(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}

func fakeConnectorBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cloudflared")
	script := "#!/bin/sh\nsleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, fc *fakeCloudflare) (*Orchestrator, func()) {
	t.Helper()
	srv := httptest.NewServer(fc.handler())

	home := t.TempDir()
	t.Setenv("HOME", home)

	binPath := fakeConnectorBinary(t)
	binDir := filepath.Join(home, ".tuinnel", "bin")
	os.MkdirAll(binDir, 0o755)
	cached := filepath.Join(binDir, "cloudflared")
	data, _ := os.ReadFile(binPath)
	os.WriteFile(cached, data, 0o755)

	client := cfapi.NewWithBaseURL("test-token", srv.URL)
	o := New(client, binarymgr.New(), pidregistry.New(), nil)
	return o, srv.Close
}

func TestStartTunnelHappyPath(t *testing.T) {
	fc := newFakeCloudflare()
	z := cfapi.Zone{ID: "zone-1", Name: "example.com"}
	z.Account.ID = "acct-1"
	fc.zones = []cfapi.Zone{z}

	o, closeSrv := newTestOrchestrator(t, fc)
	defer closeSrv()

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP}
	res, report, err := o.StartTunnel(context.Background(), "app", cfg)
	if err != nil {
		t.Fatalf("StartTunnel: %v (report=%+v)", err, report)
	}
	if res.TunnelID == "" || res.ConnectorToken == "" || res.DNSRecordID == "" {
		t.Fatalf("incomplete result: %+v", res)
	}
	if res.Process == nil {
		t.Fatalf("expected a spawned process")
	}
	res.Process.Kill()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.dnsRecords["zone-1"]) != 1 {
		t.Fatalf("expected one dns record to be created, got %d", len(fc.dnsRecords["zone-1"]))
	}
}

func TestStartTunnelRollsBackOnConfigureFailure(t *testing.T) {
	fc := newFakeCloudflare()
	z := cfapi.Zone{ID: "zone-1", Name: "example.com"}
	z.Account.ID = "acct-1"
	fc.zones = []cfapi.Zone{z}
	fc.failConfigure = true

	o, closeSrv := newTestOrchestrator(t, fc)
	defer closeSrv()

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP}
	_, _, err := o.StartTunnel(context.Background(), "app", cfg)
	if err == nil {
		t.Fatalf("expected an error from the failing configure step")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.tunnels) != 0 {
		t.Fatalf("expected the created tunnel to be rolled back, found %d remaining", len(fc.tunnels))
	}
}

func TestStartTunnelZoneNotFound(t *testing.T) {
	fc := newFakeCloudflare()
	z := cfapi.Zone{ID: "zone-1", Name: "other.com"}
	z.Account.ID = "acct-1"
	fc.zones = []cfapi.Zone{z}

	o, closeSrv := newTestOrchestrator(t, fc)
	defer closeSrv()

	cfg := model.TunnelConfig{Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP}
	_, _, err := o.StartTunnel(context.Background(), "app", cfg)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected a zone-not-found error, got %v", err)
	}
}
