package telemetry

import "testing"

func TestNormalizeSeverity(t *testing.T) {
	cases := []struct {
		raw  string
		want Severity
	}{
		{"info", SeverityInformational},
		{"INFO", SeverityInformational},
		{"informational", SeverityInformational},
		{"warn", SeverityWarning},
		{"Warning", SeverityWarning},
		{"crit", SeverityCritical},
		{"critical", SeverityCritical},
		{"FAULT", SeverityCritical},
		{"", SeverityInformational},
		{"mystery", SeverityInformational},
	}
	for _, tc := range cases {
		if got := NormalizeSeverity(tc.raw); got != tc.want {
			t.Errorf("NormalizeSeverity(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestRoundValue(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.5, 1.5},
		{0.1234567891, 0.123456789},
		{-2.0000000004, -2.0},
	}
	for _, tc := range cases {
		got := RoundValue(tc.in)
		if diff := got - tc.want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("RoundValue(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
