package device

import (
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Device is a registered edge device within one tenant.
type Device struct {
	DeviceIdentifier string                 `json:"device_identifier"`
	Description      string                 `json:"description"`
	Longitude        *float64               `json:"long,omitempty"`
	Latitude         *float64               `json:"lat,omitempty"`
	Country          string                 `json:"country"`
	Timezone         string                 `json:"timezone"`
	Status           telemetry.HealthStatus `json:"status"`
	LatestAlive      *time.Time             `json:"latest_alive,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// StatusUpdate is one reported status destined for the devices table.
type StatusUpdate struct {
	DeviceIdentifier string
	Status           telemetry.HealthStatus
	Timestamp        time.Time
}

// Update carries the mutable descriptive fields of a device. Nil fields
// are left unchanged.
type Update struct {
	Description *string
	Longitude   *float64
	Latitude    *float64
	Country     *string
	Timezone    *string
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Description == nil && u.Longitude == nil && u.Latitude == nil &&
		u.Country == nil && u.Timezone == nil
}
