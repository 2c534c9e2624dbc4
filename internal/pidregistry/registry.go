// Package pidregistry implements component G: an atomic on-disk map of
// tunnel name -> {pid, startedAt}, used to detect and prevent concurrent
// tuinnel instances from double-starting the same tunnel.
//
// Grounded on internal/tunnel/manager.go's processAlive/LoadRuntime
// orphan-detection logic, split into its own package since spec treats the
// registry as an independent component (G) rather than folding it into the
// service (F).
package pidregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/NickDunas/tuinnel/internal/appconfig"
	"github.com/NickDunas/tuinnel/internal/model"
)

// Registry reads and writes the PID file. All methods are safe for
// concurrent use by multiple goroutines within one process; cross-process
// safety is advisory only (spec §5), bounded by atomic rename.
type Registry struct {
	// mu serializes in-process read-modify-write cycles against the file.
	mu sync.Mutex
}

// New creates a Registry. The zero value is also usable.
func New() *Registry { return &Registry{} }

// legacyShape is the old on-disk format: name -> pid (bare integer).
type legacyShape map[string]int

func path() (string, error) {
	return appconfig.PidFilePath()
}

// readAll loads the registry file, accepting either the legacy (name->pid)
// or current (name->PidEntry) on-disk shape and always returning the
// current shape (spec §4.G).
func readAll(p string) (map[string]model.PidEntry, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]model.PidEntry{}, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return map[string]model.PidEntry{}, nil
	}

	var current map[string]model.PidEntry
	if err := json.Unmarshal(b, &current); err == nil {
		if ok := allEntriesWellFormed(b); ok {
			if current == nil {
				current = map[string]model.PidEntry{}
			}
			return current, nil
		}
	}

	var legacy legacyShape
	if err := json.Unmarshal(b, &legacy); err != nil {
		return nil, fmt.Errorf("parse pid registry %s: %w", p, err)
	}
	out := make(map[string]model.PidEntry, len(legacy))
	for name, pid := range legacy {
		out[name] = model.PidEntry{PID: pid, StartedAt: 0}
	}
	return out, nil
}

// allEntriesWellFormed checks that every value in the file is a JSON object.
// Decoding into map[string]model.PidEntry already fails on a legacy bare
// integer like `7`, but accepts a `null` value as a zero PidEntry; this
// re-decodes into map[string]json.RawMessage and rejects any value that does
// not start with '{'.
func allEntriesWellFormed(b []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return false
	}
	for _, v := range raw {
		trimmed := trimLeadingSpace(v)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return false
		}
	}
	return true
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

func writeAll(p string, entries map[string]model.PidEntry) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, p)
}

// Set records name -> {pid, now} and persists the registry.
func (r *Registry) Set(name string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := path()
	if err != nil {
		return err
	}
	entries, err := readAll(p)
	if err != nil {
		return err
	}
	entries[name] = model.PidEntry{PID: pid, StartedAt: time.Now().UnixMilli()}
	return writeAll(p, entries)
}

// Remove deletes name from the registry, if present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := path()
	if err != nil {
		return err
	}
	entries, err := readAll(p)
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return writeAll(p, entries)
}

// Get returns the entry for name, and whether it's present and alive. A
// present-but-dead entry is reaped (removed and persisted) before
// returning, same as GetRunning.
func (r *Registry) Get(name string) (model.PidEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := path()
	if err != nil {
		return model.PidEntry{}, false, err
	}
	entries, err := readAll(p)
	if err != nil {
		return model.PidEntry{}, false, err
	}
	entry, ok := entries[name]
	if !ok {
		return model.PidEntry{}, false, nil
	}
	if !alive(entry.PID) {
		delete(entries, name)
		if err := writeAll(p, entries); err != nil {
			return model.PidEntry{}, false, err
		}
		return model.PidEntry{}, false, nil
	}
	return entry, true, nil
}

// GetRunning returns every registry entry whose PID is still alive,
// reaping (removing from disk) any entry whose process has died (spec
// §8: "PID liveness").
func (r *Registry) GetRunning() (map[string]model.PidEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := path()
	if err != nil {
		return nil, err
	}
	entries, err := readAll(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.PidEntry, len(entries))
	dirty := false
	for name, entry := range entries {
		if alive(entry.PID) {
			out[name] = entry
			continue
		}
		delete(entries, name)
		dirty = true
	}
	if dirty {
		if err := writeAll(p, entries); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AssertNotRunning raises an error naming the offending PID if name is
// currently recorded as alive, preventing a concurrent instance from
// double-starting the same tunnel (spec §7/§8 scenario 5).
func (r *Registry) AssertNotRunning(name string) error {
	entry, ok, err := r.Get(name)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("tunnel %q is already running (pid %d)", name, entry.PID)
	}
	return nil
}

// KillPID sends SIGTERM to pid and escalates to SIGKILL after the same
// grace period the connector supervisor gives its own children, for the
// case where the tunnel service no longer holds a *connector.Process for
// it — the process was spawned by an earlier tuinnel invocation and only
// survives as a pid registry entry. A no-op if pid is already dead.
func KillPID(pid int) error {
	if !alive(pid) {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !alive(pid) {
		return nil
	}
	return proc.Signal(syscall.SIGKILL)
}

// alive reports whether pid refers to a live process, using the Unix
// signal-0 convention: delivering signal 0 never actually signals the
// process, it only checks for its existence and our permission to signal
// it.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
