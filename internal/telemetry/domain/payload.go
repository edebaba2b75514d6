package telemetry

import (
	"math"
	"time"
)

// Provider identifies a third-party monitoring system.
type Provider string

const (
	ProviderKMC        Provider = "kmc"
	ProviderAlsoEnergy Provider = "also_energy"
)

// Providers lists all supported data providers.
func Providers() []Provider {
	return []Provider{ProviderKMC, ProviderAlsoEnergy}
}

// ParseProvider validates a provider string.
func ParseProvider(raw string) (Provider, bool) {
	switch Provider(raw) {
	case ProviderKMC, ProviderAlsoEnergy:
		return Provider(raw), true
	}
	return "", false
}

// PointTag is a normalized semantic channel shared across vendors.
type PointTag string

const (
	PointTagACPower     PointTag = "ac_power"
	PointTagDCPower     PointTag = "dc_power"
	PointTagIrradiance  PointTag = "irradiance"
	PointTagModuleTemp  PointTag = "module_temp"
	PointTagAmbientTemp PointTag = "ambient_temp"
)

// PointTags lists all tracked semantic channels.
func PointTags() []PointTag {
	return []PointTag{
		PointTagACPower,
		PointTagDCPower,
		PointTagIrradiance,
		PointTagModuleTemp,
		PointTagAmbientTemp,
	}
}

// PointPayload is one scalar time-series reading. Immutable once constructed.
type PointPayload struct {
	Provider Provider
	SiteID   string
	DeviceID string
	Tag      PointTag
	Value    float64
	PointTS  time.Time
	FetchTS  time.Time
}

// AlertPayload is one discrete vendor event.
type AlertPayload struct {
	Provider   Provider
	SiteID     string
	DeviceID   string
	AlertID    string
	Type       string
	Severity   Severity
	Message    string
	IsResolved bool
	StartTS    time.Time
	FetchTS    time.Time
}

// RoundValue rounds emitted numeric values to 9 decimal places.
func RoundValue(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1e9) / 1e9
}
