// Package events carries device health transitions over MQTT.
//
// The hub publishes one retained event per status change (heartbeat or
// liveness demotion) on fleet/{tenant}/devices/{device}/status. The
// management plane subscribes to follow device health without polling
// tenant databases.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Reasons a device status changed.
const (
	ReasonHeartbeat       = "heartbeat"
	ReasonLivenessTimeout = "liveness_timeout"
)

// ErrMalformedEvent is returned when a payload or topic cannot be decoded.
var ErrMalformedEvent = errors.New("events: malformed device event")

// DeviceEvent is the payload of a device status topic.
type DeviceEvent struct {
	TenantIdentifier string                 `json:"tenant_identifier"`
	DeviceIdentifier string                 `json:"device_identifier"`
	Status           string                 `json:"status"`
	StatusCode       telemetry.HealthStatus `json:"status_code"`
	Reason           string                 `json:"reason"`
	Timestamp        time.Time              `json:"timestamp"`
}

// NewDeviceEvent fills Status from the numeric code.
func NewDeviceEvent(tenant, device string, status telemetry.HealthStatus, reason string, at time.Time) DeviceEvent {
	return DeviceEvent{
		TenantIdentifier: tenant,
		DeviceIdentifier: device,
		Status:           status.String(),
		StatusCode:       status,
		Reason:           reason,
		Timestamp:        at.UTC(),
	}
}

// Publisher is the subset of mqtt.Client used to publish events.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Subscriber is the subset of mqtt.Client used to receive events.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Bus publishes device events. A nil *Bus or one built with a nil
// Publisher discards events, which is how the hub runs with MQTT disabled.
type Bus struct {
	pub    Publisher
	topics mqtt.Topics
}

// NewBus creates a Bus on top of pub.
func NewBus(pub Publisher) *Bus {
	return &Bus{pub: pub}
}

// Publish sends ev on its device status topic.
func (b *Bus) Publish(ev DeviceEvent) error {
	if b == nil || b.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding device event: %w", err)
	}
	topic := b.topics.DeviceStatus(ev.TenantIdentifier, ev.DeviceIdentifier)
	if err := b.pub.PublishRetained(topic, payload); err != nil {
		return fmt.Errorf("publishing device event to %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers every device event to handler. The topic wins over
// the payload for tenant and device, so a mislabelled payload cannot
// impersonate another device.
func Subscribe(sub Subscriber, qos byte, handler func(DeviceEvent)) error {
	topics := mqtt.Topics{}
	return sub.Subscribe(topics.AllDeviceStatus(), qos, func(topic string, payload []byte) error {
		ev, err := Decode(topic, payload)
		if err != nil {
			return err
		}
		handler(ev)
		return nil
	})
}

// Decode parses a device event received on topic.
func Decode(topic string, payload []byte) (DeviceEvent, error) {
	tenant, device, ok := mqtt.Topics{}.ParseDeviceStatus(topic)
	if !ok {
		return DeviceEvent{}, fmt.Errorf("%w: unexpected topic %q", ErrMalformedEvent, topic)
	}
	var ev DeviceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return DeviceEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if !ev.StatusCode.Valid() {
		return DeviceEvent{}, fmt.Errorf("%w: status code %d", ErrMalformedEvent, int(ev.StatusCode))
	}
	ev.TenantIdentifier = tenant
	ev.DeviceIdentifier = device
	ev.Status = ev.StatusCode.String()
	return ev, nil
}
