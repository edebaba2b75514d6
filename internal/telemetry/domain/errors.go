package telemetry

import (
	"errors"
	"fmt"
)

// ErrDataUnavailable signals that a fetch cycle produced zero points across all
// windows. It must propagate before the checkpoint is committed so the cursor
// never advances past an offline device.
var ErrDataUnavailable = errors.New("telemetry: no data available for fetch cycle")

// TokenUnauthorizedError means the vendor rejected the supplied credentials.
// Authentication failure is not a transient network condition and is not retried.
type TokenUnauthorizedError struct {
	Provider Provider
	Reason   string
}

func (e *TokenUnauthorizedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("telemetry: %s rejected credentials", e.Provider)
	}
	return fmt.Sprintf("telemetry: %s rejected credentials: %s", e.Provider, e.Reason)
}

// SiteNotFoundError means the vendor confirmed the external site id does not exist.
type SiteNotFoundError struct {
	Provider Provider
	SiteID   string
}

func (e *SiteNotFoundError) Error() string {
	return fmt.Sprintf("telemetry: %s site %s not found", e.Provider, e.SiteID)
}

// DeviceNotFoundError means the vendor confirmed the external device id does not exist.
type DeviceNotFoundError struct {
	Provider Provider
	SiteID   string
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("telemetry: %s device %s not found at site %s", e.Provider, e.DeviceID, e.SiteID)
}
