// Package telemetry defines the values exchanged between edge devices,
// the ingestion hub and the management plane.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HealthStatus is the health of a device as stored by the hub.
type HealthStatus int

// Numeric values are persisted and must not change.
const (
	StatusOnline  HealthStatus = 10
	StatusOffline HealthStatus = 20
	StatusError   HealthStatus = 30
	StatusUnknown HealthStatus = 40
)

// String returns the lowercase status name used in API responses.
func (s HealthStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusError:
		return "error"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError, StatusUnknown:
		return true
	}
	return false
}

// ParseHealthStatus accepts a status name in any case.
func ParseHealthStatus(name string) (HealthStatus, error) {
	switch strings.ToLower(name) {
	case "online":
		return StatusOnline, nil
	case "offline":
		return StatusOffline, nil
	case "error":
		return StatusError, nil
	case "unknown":
		return StatusUnknown, nil
	}
	return 0, fmt.Errorf("unknown health status %q", name)
}

// MarshalJSON encodes the numeric value, matching the wire format edge
// devices send.
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON accepts either the numeric value or the status name.
func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = HealthStatus(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("health status must be a number or name: %w", err)
	}
	parsed, err := ParseHealthStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MetricTypeNumericScalar is the only metric type currently stored.
const MetricTypeNumericScalar = "numeric_scalar"

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexical order equal to chronological order, which the
// liveness sweep relies on when comparing latest_alive in SQL.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout after converting to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime. RFC 3339 input is
// accepted too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NumericScalarValue is one sampled measurement streamed by a device.
type NumericScalarValue struct {
	TenantIdentifier string    `json:"tenant_identifier"`
	DeviceIdentifier string    `json:"device_identifier"`
	MetricIdentifier string    `json:"metric_identifier"`
	Path             string    `json:"path"`
	Unit             string    `json:"unit"`
	DisplayName      string    `json:"display_name"`
	Value            float64   `json:"value"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate checks the fields the hub needs to store the value.
func (v *NumericScalarValue) Validate() error {
	switch {
	case v.TenantIdentifier == "":
		return fmt.Errorf("tenant_identifier is required")
	case v.DeviceIdentifier == "":
		return fmt.Errorf("device_identifier is required")
	case v.MetricIdentifier == "":
		return fmt.Errorf("metric_identifier is required")
	case v.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// DeviceStatus is a heartbeat or explicit status report from a device.
type DeviceStatus struct {
	TenantIdentifier string       `json:"tenant_identifier"`
	DeviceIdentifier string       `json:"device_identifier"`
	Status           HealthStatus `json:"status"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Validate checks the fields the hub needs to record the status.
func (s *DeviceStatus) Validate() error {
	switch {
	case s.TenantIdentifier == "":
		return fmt.Errorf("tenant_identifier is required")
	case s.DeviceIdentifier == "":
		return fmt.Errorf("device_identifier is required")
	case !s.Status.Valid():
		return fmt.Errorf("invalid status %d", int(s.Status))
	case s.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Empty is the acknowledgement returned by the ingestion RPCs.
type Empty struct{}
