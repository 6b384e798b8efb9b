package report

import "time"

// Severity grades a violation for downstream display.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation is one detected integrity incident. Timestamp marshals as
// RFC 3339, which is what the backend report format expects.
type Violation struct {
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Severity  Severity  `json:"severity,omitempty"`
}
