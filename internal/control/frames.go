package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeConnect          = "connect"
	TypeConnectAck       = "connect_ack"
	TypeCommand          = "command"
	TypeSensorManagement = "sensor_management"
	TypeCommandResponse  = "command_response"
)

// Commands understood by edge devices.
const (
	CommandGetConnectionState = "get_connection_state"
	CommandAddSensor          = "add_sensor"
	CommandRemoveSensor       = "remove_sensor"
	CommandGetSensors         = "get_sensors"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ConnectFrame is the first frame a device sends.
type ConnectFrame struct {
	MessageType      string `json:"message_type"`
	TenantIdentifier string `json:"tenant_identifier"`
	DeviceIdentifier string `json:"device_identifier"`
}

// ConnectAck confirms a device connection.
type ConnectAck struct {
	MessageType string `json:"message_type"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Command is sent from the management plane to a device. The sensor
// fields are only set on sensor_management frames.
type Command struct {
	MessageType      string          `json:"message_type"`
	Command          string          `json:"command"`
	TenantIdentifier string          `json:"tenant_identifier"`
	DeviceIdentifier string          `json:"device_identifier"`
	MessageID        string          `json:"message_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Data             json.RawMessage `json:"data,omitempty"`

	SensorIdentifier string `json:"sensor_identifier,omitempty"`
	SensorType       string `json:"sensor_type,omitempty"`
	Path             string `json:"path,omitempty"`
	SamplingInterval int    `json:"sampling_interval,omitempty"`
}

// NewCommand returns a frame with a fresh message id and timestamp.
func NewCommand(messageType, command, tenant, device string) Command {
	return Command{
		MessageType:      messageType,
		Command:          command,
		TenantIdentifier: tenant,
		DeviceIdentifier: device,
		MessageID:        uuid.NewString(),
		Timestamp:        time.Now().UTC(),
	}
}

// WithData sets the data field from v.
func (c Command) WithData(v any) (Command, error) {
	if v == nil {
		c.Data = nil
		return c, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return c, fmt.Errorf("encoding command data: %w", err)
	}
	c.Data = raw
	return c, nil
}

// Response answers one Command.
type Response struct {
	MessageType string          `json:"message_type"`
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	MessageID   string          `json:"message_id"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// OK reports whether the device executed the command.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Success builds a success response. Data that fails to encode is dropped.
func Success(messageID, message string, data any) Response {
	r := Response{
		MessageType: TypeCommandResponse,
		Status:      StatusSuccess,
		Message:     message,
		MessageID:   messageID,
		Timestamp:   time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			r.Data = raw
		}
	}
	return r
}

// Failure builds a failure response.
func Failure(messageID, message string) Response {
	return Response{
		MessageType: TypeCommandResponse,
		Status:      StatusFailure,
		Message:     message,
		MessageID:   messageID,
		Timestamp:   time.Now().UTC(),
	}
}

// envelope holds the fields needed to route any frame.
type envelope struct {
	MessageType string `json:"message_type"`
	MessageID   string `json:"message_id"`
}
