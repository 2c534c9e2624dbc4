// Package security separates user-safe error messages from verbose debug
// detail, and carries the fatal/recoverable/transient classification (spec
// §4.A/§7) end to end from the provider API client through the orchestrator
// to the tunnel service.
package security

import (
	"errors"
	"os"
	"strings"
)

// Classification is the outcome of classifying a provider API error.
type Classification string

const (
	// Fatal errors are raised to the caller; no retry, no recovery.
	Fatal Classification = "fatal"
	// Recoverable errors are returned in-band so the orchestrator can
	// branch on the conflicting resource instead of failing the operation.
	Recoverable Classification = "recoverable"
	// Transient errors are retried by the API client per its retry table;
	// only surfaced once retries are exhausted.
	Transient Classification = "transient"
)

// ClassifiedError separates a user-safe message from verbose debug detail
// and, optionally, a remediation pointer (spec §7: "what failed, why, what
// to do next").
type ClassifiedError struct {
	Classification Classification
	UserSafe       string
	DebugDetail    string
	Remediation    string
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

// NewClassifiedError creates a fatal-by-default classified error with
// separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{Classification: Fatal, UserSafe: userSafe, DebugDetail: debugDetail}
}

// New creates a classified error carrying an explicit classification and
// remediation pointer.
func New(class Classification, userSafe, debugDetail, remediation string) *ClassifiedError {
	return &ClassifiedError{
		Classification: class,
		UserSafe:       userSafe,
		DebugDetail:    debugDetail,
		Remediation:    remediation,
	}
}

// ClassOf extracts the Classification from err, defaulting to Fatal for any
// error that isn't a *ClassifiedError (an un-annotated error is treated as
// non-recoverable — the safest default for an orchestration step that must
// decide whether to run compensation).
func ClassOf(err error) Classification {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification
	}
	return Fatal
}

// UserMessage returns a message safe to show in CLI/TUI contexts, appending
// the remediation pointer when present.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if ce.Remediation != "" {
			msg = msg + " — " + ce.Remediation
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text suitable for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage replaces the user's home directory with "~" in user-visible
// text. Token-like substrings are not redacted.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}
