// Package types defines the core data structures shared by the issue
// registry, the fix coordinator and the command gateway.
package types

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// IssueKey identifies an issue. Both parts are case-sensitive.
type IssueKey struct {
	Domain  string
	IssueID string
}

// Key builds an IssueKey.
func Key(domain, issueID string) IssueKey {
	return IssueKey{Domain: domain, IssueID: issueID}
}

func (k IssueKey) String() string {
	return k.Domain + "/" + k.IssueID
}

// Issue is a problem reported by a module, as held by the registry.
type Issue struct {
	Domain                  string            `json:"domain"`
	IssueID                 string            `json:"issue_id"`
	BreaksInVersion         *string           `json:"breaks_in_version"`
	IsFixable               bool              `json:"is_fixable"`
	LearnMoreURL            *string           `json:"learn_more_url"`
	Severity                Severity          `json:"severity"`
	TranslationKey          string            `json:"translation_key"`
	TranslationPlaceholders map[string]string `json:"translation_placeholders"`
	Dismissed               bool              `json:"dismissed"`
	DismissedVersion        *string           `json:"dismissed_version"`
	Created                 time.Time         `json:"created"`
}

// Key returns the issue identity.
func (i *Issue) Key() IssueKey {
	return IssueKey{Domain: i.Domain, IssueID: i.IssueID}
}

// Clone returns a deep copy so callers can't mutate registry state.
func (i *Issue) Clone() Issue {
	out := *i
	out.BreaksInVersion = cloneString(i.BreaksInVersion)
	out.LearnMoreURL = cloneString(i.LearnMoreURL)
	out.DismissedVersion = cloneString(i.DismissedVersion)
	if i.TranslationPlaceholders != nil {
		out.TranslationPlaceholders = maps.Clone(i.TranslationPlaceholders)
	}
	return out
}

// IssueReport carries the descriptive fields a module supplies when it
// reports (or re-reports) an issue.
type IssueReport struct {
	BreaksInVersion         *string
	IsFixable               bool
	LearnMoreURL            *string
	Severity                Severity
	TranslationKey          string
	TranslationPlaceholders map[string]string
	// ResetDismissal clears an earlier dismissal. Without it a dismissed
	// issue stays dismissed across re-reports.
	ResetDismissal bool
}

// Validate checks the report and its identity before anything is stored.
func (r *IssueReport) Validate(domain, issueID string) error {
	if strings.TrimSpace(domain) == "" {
		return &ValidationError{Field: "domain", Reason: "is required"}
	}
	if strings.TrimSpace(issueID) == "" {
		return &ValidationError{Field: "issue_id", Reason: "is required"}
	}
	if !r.Severity.IsValid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("invalid value %q", r.Severity)}
	}
	if r.TranslationKey == "" {
		return &ValidationError{Field: "translation_key", Reason: "is required"}
	}
	return nil
}

// Severity ranks how urgently an issue needs attention.
type Severity string

// Severity constants
const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityOther    Severity = "other"
)

// IsValid checks if the severity value is one of the known levels
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityOther:
		return true
	}
	return false
}

// Rank orders severities for display, most urgent first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityError:
		return 1
	case SeverityWarning:
		return 2
	}
	return 3
}

// ParseSeverity converts user or wire input into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", &ValidationError{Field: "severity", Reason: fmt.Sprintf("invalid value %q", s)}
	}
	return sev, nil
}

// StringPtr is a small helper for the optional string fields.
func StringPtr(s string) *string {
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
