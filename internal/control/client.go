package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-telemetry/internal/edge/sensor"
)

// Path is where the management plane serves the control channel.
const Path = "/ws/v1/tenants/devices"

// DefaultRetryDelay is the pause between connection attempts of a Client.
const DefaultRetryDelay = 5 * time.Second

// Errors logged by the device-side dispatcher. The frame sent back
// carries a readable message instead.
var (
	ErrUnknownMessageType = errors.New("control: unknown message type")
	ErrUnknownCommand     = errors.New("control: unknown command")
)

// SensorManager applies sensor_management commands on the device.
// *simulation.Scheduler satisfies it.
type SensorManager interface {
	AddSensor(cfg sensor.Config) (string, error)
	RemoveSensor(metricIdentifier string) (string, error)
	Sensors() []sensor.Config
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URI is the management websocket base, for example "ws://devicemgmt:8000".
	URI              string
	TenantIdentifier string
	DeviceIdentifier string
	RetryDelay       time.Duration
}

// Client is the device end of the control channel.
type Client struct {
	cfg     ClientConfig
	url     string
	sensors SensorManager
	dialer  *websocket.Dialer
	logger  Logger

	commands map[string]func(Command) (any, error)
}

// NewClient creates a Client that applies sensor commands to sensors.
func NewClient(cfg ClientConfig, sensors SensorManager) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	c := &Client{
		cfg:     cfg,
		url:     strings.TrimRight(cfg.URI, "/") + Path,
		sensors: sensors,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger: noopLogger{},
	}
	c.commands = map[string]func(Command) (any, error){
		CommandGetConnectionState: func(Command) (any, error) {
			return map[string]string{"status": "online"}, nil
		},
	}
	return c
}

// SetLogger sets the logger.
func (c *Client) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// Run connects and serves commands, reconnecting after RetryDelay
// whenever the connection fails. It returns when ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("control connection lost, retrying",
			"url", c.url,
			"attempt", attempt,
			"retry_in", c.cfg.RetryDelay,
			"error", err,
		)

		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (c *Client) session(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	defer ws.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	if err := ws.WriteJSON(ConnectFrame{
		MessageType:      TypeConnect,
		TenantIdentifier: c.cfg.TenantIdentifier,
		DeviceIdentifier: c.cfg.DeviceIdentifier,
	}); err != nil {
		return fmt.Errorf("sending connect frame: %w", err)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		resp := c.Handle(data)
		if resp == nil {
			continue
		}
		if err := ws.WriteJSON(resp); err != nil {
			return fmt.Errorf("sending response: %w", err)
		}
	}
}

// Handle processes one frame and returns the response to send, or nil
// for frames that take none. A panic while handling becomes a failure
// response.
func (c *Client) Handle(data []byte) (resp *Response) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("failed to decode frame from server", "error", err)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling frame", "message_type", env.MessageType, "panic", r)
			f := Failure(env.MessageID, fmt.Sprintf("An unexpected error occurred: %v", r))
			resp = &f
		}
	}()

	var out Response
	switch env.MessageType {
	case TypeConnectAck:
		c.logger.Info("control connection established", "url", c.url)
		return nil
	case TypeCommand:
		out = c.handleCommand(data, env.MessageID)
	case TypeSensorManagement:
		out = c.handleSensorManagement(data, env.MessageID)
	default:
		c.logger.Warn("dropping frame", "message_type", env.MessageType, "error", ErrUnknownMessageType)
		out = Failure(env.MessageID, fmt.Sprintf("Message type: %s not available", env.MessageType))
	}
	return &out
}

func (c *Client) handleCommand(data []byte, id string) Response {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Failure(id, fmt.Sprintf("Invalid command frame: %v", err))
	}

	handler, ok := c.commands[cmd.Command]
	if !ok {
		c.logger.Warn("dropping command", "command", cmd.Command, "error", ErrUnknownCommand)
		return Failure(id, fmt.Sprintf("Unknown command received: %s", cmd.Command))
	}
	result, err := handler(cmd)
	if err != nil {
		return Failure(id, err.Error())
	}
	return Success(id, fmt.Sprintf("Command %s executed", cmd.Command), result)
}

func (c *Client) handleSensorManagement(data []byte, id string) Response {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Failure(id, fmt.Sprintf("Invalid sensor frame: %v", err))
	}

	switch cmd.Command {
	case CommandAddSensor:
		cfg, err := sensorConfig(cmd)
		if err != nil {
			return Failure(id, err.Error())
		}
		msg, err := c.sensors.AddSensor(cfg)
		if err != nil {
			return Failure(id, err.Error())
		}
		return Success(id, msg, nil)

	case CommandRemoveSensor:
		if cmd.SensorIdentifier == "" || cmd.SensorType == "" {
			return Failure(id, "sensor_identifier and sensor_type are required")
		}
		msg, err := c.sensors.RemoveSensor(sensor.MetricIdentifier(cmd.SensorType, cmd.SensorIdentifier))
		if err != nil {
			return Failure(id, err.Error())
		}
		return Success(id, msg, nil)

	case CommandGetSensors:
		configs := c.sensors.Sensors()
		if len(configs) == 0 {
			return Success(id, "No sensors found", nil)
		}
		return Success(id, fmt.Sprintf("%d sensor(s) found", len(configs)), configs)
	}
	return Failure(id, fmt.Sprintf("The command %s is not available", cmd.Command))
}

func sensorConfig(cmd Command) (sensor.Config, error) {
	if cmd.SensorIdentifier == "" || cmd.SensorType == "" {
		return sensor.Config{}, errors.New("sensor_identifier and sensor_type are required")
	}
	cfg := sensor.Config{
		SensorIdentifier: cmd.SensorIdentifier,
		SensorType:       cmd.SensorType,
		Path:             cmd.Path,
		SamplingInterval: cmd.SamplingInterval,
	}
	if len(cmd.Data) > 0 && string(cmd.Data) != "null" {
		if err := json.Unmarshal(cmd.Data, &cfg.Data); err != nil {
			return sensor.Config{}, fmt.Errorf("sensor data must be an object: %w", err)
		}
	}
	return cfg, nil
}
