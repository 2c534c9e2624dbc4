package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/NickDunas/tuinnel/internal/appconfig"
)

// Severity ranks an audit Finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one local security posture issue surfaced by RunLocalAudit.
type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// AuditReport is the full result of RunLocalAudit.
type AuditReport struct {
	Findings []Finding `json:"findings"`
}

// HasHigh reports whether the audit turned up any high-severity finding.
func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

var globalAPIKeyShape = regexp.MustCompile(`^[0-9a-f]{37}$`)

// RunLocalAudit inspects tuinnel's on-disk file permissions and token shape
// (spec §6's "config.json, .pids.json must be 0600" note, generalized into
// a standing check rather than only enforced on write).
func RunLocalAudit() (AuditReport, error) {
	var findings []Finding

	dir, err := appconfig.Dir()
	if err == nil {
		checkPathPerm(&findings, dir, 0o700, false)
	}
	if p, err := appconfig.ConfigFilePath(); err == nil {
		checkPathPerm(&findings, p, 0o600, true)
		checkTokenShape(&findings, p)
	}
	if p, err := appconfig.PidFilePath(); err == nil {
		checkPathPerm(&findings, p, 0o600, true)
	}
	if p, err := appconfig.BinDir(); err == nil {
		checkPathPerm(&findings, p, 0o755, false)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}

// checkTokenShape re-checks config.json's stored apiToken for the Global
// API Key shape store.ResolveToken already rejects at load time — this
// catches a token written directly to the file outside of tuinnel (spec §6).
func checkTokenShape(findings *[]Finding, path string) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return
	}
	if globalAPIKeyShape.Match(extractAPITokenField(b)) {
		*findings = append(*findings, Finding{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        "configured token looks like a Global API Key, not a scoped API token",
			Recommendation: "replace with a scoped Cloudflare API token",
		})
	}
}

var apiTokenFieldRE = regexp.MustCompile(`"apiToken"\s*:\s*"([0-9a-f]{37})"`)

func extractAPITokenField(b []byte) []byte {
	m := apiTokenFieldRE.FindSubmatch(b)
	if m == nil {
		return nil
	}
	return m[1]
}
