package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/fleet-telemetry/internal/control"
)

type commandRequest struct {
	TenantIdentifier string          `json:"tenant_identifier"`
	DeviceIdentifier string          `json:"device_identifier"`
	Command          string          `json:"command"`
	Data             json.RawMessage `json:"data,omitempty"`
}

type sensorRequest struct {
	TenantIdentifier string         `json:"tenant_identifier"`
	DeviceIdentifier string         `json:"device_identifier"`
	SensorType       string         `json:"sensor_type"`
	SensorIdentifier string         `json:"sensor_identifier"`
	Path             string         `json:"path,omitempty"`
	SamplingInterval int            `json:"sampling_interval,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// commandResult relays a device's answer to the HTTP caller.
type commandResult struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// handleSendCommand forwards an arbitrary command frame and waits for the
// device's answer.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier) {
		return
	}
	if req.Command == "" {
		writeValidationError(w, "command is required")
		return
	}

	cmd := control.NewCommand(control.TypeCommand, req.Command, req.TenantIdentifier, req.DeviceIdentifier)
	if len(req.Data) > 0 {
		cmd.Data = req.Data
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) handleGetSensors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant, dev := q.Get("tenant_identifier"), q.Get("device_identifier")
	if !validIdentifiers(w, tenant, dev) {
		return
	}

	cmd := control.NewCommand(control.TypeSensorManagement, control.CommandGetSensors, tenant, dev)
	s.dispatch(w, r, cmd)
}

func (s *Server) handleAddSensor(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.sensorCommand(w, r, control.CommandAddSensor)
	if !ok {
		return
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) handleRemoveSensor(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.sensorCommand(w, r, control.CommandRemoveSensor)
	if !ok {
		return
	}
	s.dispatch(w, r, cmd)
}

// sensorCommand decodes a sensor request body into a sensor_management
// frame, writing a 400 when it is unusable.
func (s *Server) sensorCommand(w http.ResponseWriter, r *http.Request, command string) (control.Command, bool) {
	var req sensorRequest
	if !decodeBody(w, r, &req) {
		return control.Command{}, false
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier) {
		return control.Command{}, false
	}
	if req.SensorType == "" || req.SensorIdentifier == "" {
		writeValidationError(w, "sensor_type and sensor_identifier are required")
		return control.Command{}, false
	}
	if req.SamplingInterval < 0 {
		writeValidationError(w, "sampling_interval must not be negative")
		return control.Command{}, false
	}

	cmd := control.NewCommand(control.TypeSensorManagement, command, req.TenantIdentifier, req.DeviceIdentifier)
	cmd.SensorType = req.SensorType
	cmd.SensorIdentifier = req.SensorIdentifier
	cmd.Path = req.Path
	cmd.SamplingInterval = req.SamplingInterval

	var data any
	if req.Data != nil {
		data = req.Data
	}
	cmd, err := cmd.WithData(data)
	if err != nil {
		writeValidationError(w, err.Error())
		return control.Command{}, false
	}
	return cmd, true
}

// dispatch sends cmd over the control channel and maps the outcome onto
// an HTTP response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd control.Command) {
	resp, err := s.control.SendWithResponse(r.Context(), cmd, s.commandTimeout)
	if err != nil {
		s.logger.Warn("command not answered",
			"tenant", cmd.TenantIdentifier,
			"device", cmd.DeviceIdentifier,
			"command", cmd.Command,
			"message_id", cmd.MessageID,
			"error", err,
		)
		switch {
		case errors.Is(err, control.ErrDeviceNotConnected):
			writeError(w, http.StatusNotFound, ErrCodeNotConnected,
				fmt.Sprintf("No active connection for device %s", cmd.DeviceIdentifier))
		case errors.Is(err, control.ErrCorrelationTimeout):
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout,
				fmt.Sprintf("Timed out waiting for device %s", cmd.DeviceIdentifier))
		case errors.Is(err, control.ErrCorrelationDisconnect):
			writeError(w, http.StatusBadGateway, ErrCodeDisconnected,
				fmt.Sprintf("Device %s disconnected before responding", cmd.DeviceIdentifier))
		case errors.Is(err, control.ErrServerClosed):
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "control channel is shutting down")
		default:
			writeInternalError(w, "failed to deliver command")
		}
		return
	}

	result := commandResult{
		Status:    resp.Status,
		Message:   resp.Message,
		MessageID: resp.MessageID,
		Data:      resp.Data,
	}
	if !resp.OK() {
		result.Status = statusFailure
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
