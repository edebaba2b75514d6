package telemetry

import "strings"

// Severity is the three-level alert taxonomy stored in the warehouse.
type Severity string

const (
	SeverityInformational Severity = "Informational"
	SeverityWarning       Severity = "Warning"
	SeverityCritical      Severity = "Critical"
)

// NormalizeSeverity maps a vendor severity string onto the three-level taxonomy.
// Unrecognized values map to Informational.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "informational", "info":
		return SeverityInformational
	case "warning", "warn":
		return SeverityWarning
	case "critical", "crit", "fault":
		return SeverityCritical
	default:
		return SeverityInformational
	}
}
