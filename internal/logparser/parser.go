// Package logparser turns one line of cloudflared connector stderr into a
// structured line, and offers a handful of extractor helpers for the
// specific messages tuinnel's state hub cares about (metrics address,
// registration, quick-tunnel URL, version, connector ID).
//
// Stateless and best-effort: unrecognised lines and unmatched extractors
// simply yield zero values rather than errors, the same way the teacher's
// own config-file line parser treats an unparseable line as "skip it, warn,
// keep going" rather than a hard failure.
package logparser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/NickDunas/tuinnel/internal/model"
)

// lineRE matches "<RFC3339-Z> <LVL> <rest>".
var lineRE = regexp.MustCompile(`^(\S+)\s+(DBG|INF|WRN|ERR|FTL)\s+(.*)$`)

// kvRE matches one trailing "key=value" token. Values never contain spaces.
var kvRE = regexp.MustCompile(`(\S+)=(\S+)`)

// ParsedLine is one decoded line of connector stderr.
type ParsedLine struct {
	Timestamp time.Time
	Level     model.LogLevel
	Message   string
	Fields    map[string]string
	// FieldOrder preserves the order k=v tokens appeared in, since
	// ExtractRegistration must reject fields that are present but
	// out of order (spec §4.D).
	FieldOrder []string
}

// Parse decodes one line of connector stderr. ok is false when the line
// doesn't match the "<timestamp> <LVL> <rest>" shape at all.
func Parse(line string) (ParsedLine, bool) {
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		return ParsedLine{}, false
	}
	ts, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return ParsedLine{}, false
	}

	rest := m[3]
	fields := map[string]string{}
	var order []string
	for _, kv := range kvRE.FindAllStringSubmatch(rest, -1) {
		fields[kv[1]] = kv[2]
		order = append(order, kv[1])
	}
	message := strings.TrimSpace(kvRE.ReplaceAllString(rest, ""))

	return ParsedLine{
		Timestamp:  ts,
		Level:      model.LogLevel(m[2]),
		Message:    message,
		Fields:     fields,
		FieldOrder: order,
	}, true
}

var metricsAddrRE = regexp.MustCompile(`Starting metrics server on (\d{1,3}(?:\.\d{1,3}){3}:\d+)/metrics`)

// ExtractMetricsAddr returns the "ip:port" the connector's metrics server is
// listening on, if message announces it. IPv6 addresses are not recognised
// (spec §4.D).
func ExtractMetricsAddr(message string) (string, bool) {
	m := metricsAddrRE.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractRegistration decodes a connection-registration line into a
// ConnectionEvent. All six fields (connIndex, connection, event, ip,
// location, protocol) must be present, in that order, or the line is not a
// registration line (spec §4.D).
func ExtractRegistration(fields map[string]string, order []string) (model.ConnectionEvent, bool) {
	required := []string{"connIndex", "connection", "event", "ip", "location", "protocol"}
	if len(order) < len(required) {
		return model.ConnectionEvent{}, false
	}
	for i, name := range required {
		if order[i] != name {
			return model.ConnectionEvent{}, false
		}
	}
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return model.ConnectionEvent{}, false
		}
	}
	idx, err := strconv.Atoi(fields["connIndex"])
	if err != nil {
		return model.ConnectionEvent{}, false
	}
	return model.ConnectionEvent{
		ConnIndex:    &idx,
		ConnectionID: fields["connection"],
		EdgeIP:       fields["ip"],
		Location:     fields["location"],
		Protocol:     fields["protocol"],
	}, true
}

var quickTunnelRE = regexp.MustCompile(`^https://[a-z]+-[a-z]+-[a-z]+-[a-z]+\.trycloudflare\.com$`)

// ExtractQuickTunnelURL returns message if it is exactly a four-word
// quick-tunnel URL, e.g. https://lucky-old-river-cats.trycloudflare.com.
func ExtractQuickTunnelURL(message string) (string, bool) {
	candidate := strings.TrimSpace(message)
	if quickTunnelRE.MatchString(candidate) {
		return candidate, true
	}
	return "", false
}

var versionRE = regexp.MustCompile(`^Version\s+(\S+)$`)

// ExtractVersion returns the connector version token from a "Version
// <token>" line.
func ExtractVersion(message string) (string, bool) {
	m := versionRE.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", false
	}
	return m[1], true
}

var connectorIDRE = regexp.MustCompile(`^Generated Connector ID:\s+(\S+)$`)

// ExtractConnectorID returns the connector's generated ID from a
// "Generated Connector ID: <token>" line.
func ExtractConnectorID(message string) (string, bool) {
	m := connectorIDRE.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", false
	}
	return m[1], true
}
