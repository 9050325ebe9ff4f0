package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Measurement names written by the hub.
const (
	MeasurementNumericScalar = telemetry.MetricTypeNumericScalar
	MeasurementDeviceStatus  = "device_status"
)

// WriteNumericScalar mirrors one persisted value. Tenant, device, metric
// and path become tags; the value is the single field.
func (c *Client) WriteNumericScalar(v telemetry.NumericScalarValue) {
	tags := map[string]string{
		"tenant": v.TenantIdentifier,
		"device": v.DeviceIdentifier,
		"metric": v.MetricIdentifier,
	}
	if v.Path != "" {
		tags["path"] = v.Path
	}
	if v.Unit != "" {
		tags["unit"] = v.Unit
	}

	c.WritePointWithTime(MeasurementNumericScalar, tags, map[string]any{"value": v.Value}, v.Timestamp)
}

// WriteDeviceStatus records a status transition, reported or inferred by
// the liveness sweep.
func (c *Client) WriteDeviceStatus(tenant, device string, status telemetry.HealthStatus, at time.Time) {
	c.WritePointWithTime(MeasurementDeviceStatus,
		map[string]string{
			"tenant": tenant,
			"device": device,
		},
		map[string]any{
			"status": int(status),
			"state":  status.String(),
		},
		at,
	)
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
