// Package doctor runs local diagnostics a user invokes directly
// (`tuinnel doctor`); no other command, `up` included, runs them (spec §3
// supplemental feature).
package doctor

import (
	"fmt"
	"sort"

	"github.com/NickDunas/tuinnel/internal/binarymgr"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/pidregistry"
	"github.com/NickDunas/tuinnel/internal/security"
	"github.com/NickDunas/tuinnel/internal/store"
)

// Severity ranks an Issue the same way internal/security ranks a Finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one diagnostic finding.
type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Report is the full result of Run.
type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether the report contains a high-severity issue, the
// signal the CLI uses to pick its exit code (spec §6).
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics: connector binary present, API token
// configured and well-shaped, PID registry free of orphaned entries, and
// on-disk file permissions (delegated to internal/security's audit).
func Run() (Report, error) {
	var issues []Issue

	if v, err := binarymgr.Version(); err != nil || v == "" {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "connector-binary",
			Target:         "bin/cloudflared",
			Message:        "connector binary is not installed",
			Recommendation: "run `tuinnel up` once to trigger a download, or install it manually",
		})
	}

	cfg, err := store.Load()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config-load",
			Target:         "config.json",
			Message:        err.Error(),
			Recommendation: "inspect config.json for corruption or an unsupported schema version",
		})
	} else {
		if token, tokenErr := store.ResolveToken(cfg); tokenErr != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "api-token-shape",
				Target:         "config.json",
				Message:        tokenErr.Error(),
				Recommendation: "use a scoped Cloudflare API token, not a Global API Key",
			})
		} else if token == "" {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "api-token-missing",
				Target:         "config.json",
				Message:        "no API token is configured",
				Recommendation: "set CLOUDFLARE_API_TOKEN or add apiToken to config.json",
			})
		}
		issues = append(issues, orphanedPidIssues(cfg)...)
	}

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			issues = append(issues, Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri, rj := severityRank(issues[i].Severity), severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		return issues[i].Target < issues[j].Target
	})
	return Report{Issues: issues}, nil
}

// orphanedPidIssues flags running entries in the PID registry that no
// longer correspond to a tunnel in config.json — the state a crashed
// `tuinnel remove` (deleting the config entry without stopping the
// process) leaves behind.
func orphanedPidIssues(cfg model.GlobalConfig) []Issue {
	reg := pidregistry.New()
	running, err := reg.GetRunning()
	if err != nil {
		return nil
	}
	var issues []Issue
	for name, entry := range running {
		if _, tracked := cfg.Tunnels[name]; tracked {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "orphaned-pid-entry",
			Target:         name,
			Message:        fmt.Sprintf("pid registry tracks a running process (pid %d) for a tunnel no longer in config.json", entry.PID),
			Recommendation: fmt.Sprintf("run `tuinnel purge %s` to clean up the orphaned process", name),
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
