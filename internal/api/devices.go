package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// messageResponse is the plain {status, message} body of device writes.
type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// identifierList accepts either a single identifier or a list.
type identifierList []string

func (l *identifierList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*l = identifierList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("device_identifier must be a string or a list of strings")
	}
	*l = many
	return nil
}

// unique drops repeated identifiers, keeping the first occurrence.
func (l identifierList) unique() []string {
	seen := make(map[string]bool, len(l))
	out := make([]string, 0, len(l))
	for _, id := range l {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

type registerRequest struct {
	TenantIdentifier string   `json:"tenant_identifier"`
	DeviceIdentifier string   `json:"device_identifier"`
	Description      string   `json:"description"`
	Timezone         string   `json:"timezone"`
	Longitude        *float64 `json:"long"`
	Latitude         *float64 `json:"lat"`
	Country          string   `json:"country"`
}

type updateRequest struct {
	TenantIdentifier string   `json:"tenant_identifier"`
	DeviceIdentifier string   `json:"device_identifier"`
	Description      *string  `json:"description"`
	Timezone         *string  `json:"timezone"`
	Longitude        *float64 `json:"long"`
	Latitude         *float64 `json:"lat"`
	Country          *string  `json:"country"`
}

type devicesRequest struct {
	TenantIdentifier string         `json:"tenant_identifier"`
	DeviceIdentifier identifierList `json:"device_identifier"`
}

type deviceStatus struct {
	DeviceIdentifier string `json:"device_identifier"`
	Status           string `json:"status"`
}

type failedDevice struct {
	DeviceIdentifier string `json:"device_identifier"`
	Error            string `json:"error"`
}

type statusResponse struct {
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	Devices       []deviceStatus `json:"devices"`
	FailedDevices []failedDevice `json:"failed_devices"`
}

type connectedResponse struct {
	Status           string   `json:"status"`
	TenantIdentifier string   `json:"tenant_identifier"`
	Devices          []string `json:"devices"`
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// validIdentifiers checks the tenant and every device identifier,
// writing a 400 on the first bad one.
func validIdentifiers(w http.ResponseWriter, tenant string, devices ...string) bool {
	if err := device.ValidateIdentifier("tenant_identifier", tenant); err != nil {
		writeValidationError(w, err.Error())
		return false
	}
	for _, id := range devices {
		if err := device.ValidateIdentifier("device_identifier", id); err != nil {
			writeValidationError(w, err.Error())
			return false
		}
	}
	return true
}

// repository opens the tenant's device repository, writing a 500 on failure.
func (s *Server) repository(w http.ResponseWriter, r *http.Request, tenant string) (device.Repository, bool) {
	repo, err := s.devices.Repository(r.Context(), tenant)
	if err != nil {
		if errors.Is(err, database.ErrInvalidTenant) {
			writeValidationError(w, err.Error())
			return nil, false
		}
		s.logger.Error("opening tenant database", "tenant", tenant, "error", err)
		writeInternalError(w, "failed to open tenant database")
		return nil, false
	}
	return repo, true
}

// handleRegisterDevice creates a device in status unknown. Registering an
// existing identifier is not an error: devices register on every start.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier) {
		return
	}

	d := &device.Device{
		DeviceIdentifier: req.DeviceIdentifier,
		Description:      req.Description,
		Longitude:        req.Longitude,
		Latitude:         req.Latitude,
		Country:          req.Country,
		Timezone:         req.Timezone,
		Status:           telemetry.StatusUnknown,
	}
	if err := device.ValidateDevice(d); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	repo, ok := s.repository(w, r, req.TenantIdentifier)
	if !ok {
		return
	}

	err := repo.Create(r.Context(), d)
	switch {
	case err == nil:
		s.logger.Info("device registered", "tenant", req.TenantIdentifier, "device", req.DeviceIdentifier)
		writeJSON(w, http.StatusCreated, messageResponse{
			Status:  statusSuccess,
			Message: fmt.Sprintf("Device %s registered successfully", req.DeviceIdentifier),
		})
	case errors.Is(err, device.ErrDeviceExists):
		writeJSON(w, http.StatusOK, messageResponse{
			Status:  statusSuccess,
			Message: fmt.Sprintf("Device %s already exists", req.DeviceIdentifier),
		})
	default:
		s.logger.Error("registering device", "tenant", req.TenantIdentifier, "device", req.DeviceIdentifier, "error", err)
		writeInternalError(w, "failed to register device")
	}
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier) {
		return
	}

	u := device.Update{
		Description: req.Description,
		Longitude:   req.Longitude,
		Latitude:    req.Latitude,
		Country:     req.Country,
		Timezone:    req.Timezone,
	}
	if err := device.ValidateUpdate(u); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	repo, ok := s.repository(w, r, req.TenantIdentifier)
	if !ok {
		return
	}

	err := repo.Update(r.Context(), req.DeviceIdentifier, u)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{
			Status:  statusSuccess,
			Message: fmt.Sprintf("Device %s updated successfully", req.DeviceIdentifier),
		})
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, fmt.Sprintf("Device %s does not exist", req.DeviceIdentifier))
	default:
		s.logger.Error("updating device", "tenant", req.TenantIdentifier, "device", req.DeviceIdentifier, "error", err)
		writeInternalError(w, "failed to update device")
	}
}

// handleRemoveDevices deletes a batch of devices and names the ones that
// were never registered.
func (s *Server) handleRemoveDevices(w http.ResponseWriter, r *http.Request) {
	var req devicesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.DeviceIdentifier) == 0 {
		writeValidationError(w, "device_identifier is required")
		return
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier...) {
		return
	}

	repo, ok := s.repository(w, r, req.TenantIdentifier)
	if !ok {
		return
	}

	ids := req.DeviceIdentifier.unique()
	missing, err := repo.Delete(r.Context(), ids)
	if err != nil {
		s.logger.Error("removing devices", "tenant", req.TenantIdentifier, "error", err)
		writeInternalError(w, "failed to remove devices")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Status:  statusSuccess,
		Message: removalMessage(ids, missing),
	})
}

// removalMessage reports removed and missing devices, in request order.
func removalMessage(requested, missing []string) string {
	absent := make(map[string]bool, len(missing))
	for _, id := range missing {
		absent[id] = true
	}
	var removed []string
	for _, id := range requested {
		if !absent[id] {
			removed = append(removed, id)
		}
	}

	switch {
	case len(removed) == 0:
		return fmt.Sprintf("Devices %s do not exist", strings.Join(missing, ", "))
	case len(missing) == 0:
		return fmt.Sprintf("Devices %s removed successfully", strings.Join(removed, ", "))
	default:
		return fmt.Sprintf("Devices %s removed successfully, devices %s do not exist",
			strings.Join(removed, ", "), strings.Join(missing, ", "))
	}
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req devicesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.DeviceIdentifier) == 0 {
		writeValidationError(w, "device_identifier is required")
		return
	}
	if !validIdentifiers(w, req.TenantIdentifier, req.DeviceIdentifier...) {
		return
	}

	repo, ok := s.repository(w, r, req.TenantIdentifier)
	if !ok {
		return
	}

	resp := statusResponse{
		Status:        statusSuccess,
		Message:       "Device statuses retrieved successfully",
		Devices:       []deviceStatus{},
		FailedDevices: []failedDevice{},
	}
	for _, id := range req.DeviceIdentifier.unique() {
		d, err := repo.Get(r.Context(), id)
		switch {
		case err == nil:
			resp.Devices = append(resp.Devices, deviceStatus{
				DeviceIdentifier: id,
				Status:           d.Status.String(),
			})
		case errors.Is(err, device.ErrDeviceNotFound):
			resp.FailedDevices = append(resp.FailedDevices, failedDevice{
				DeviceIdentifier: id,
				Error:            "Device does not exist",
			})
		default:
			s.logger.Error("reading device status", "tenant", req.TenantIdentifier, "device", id, "error", err)
			writeInternalError(w, "failed to read device status")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConnectedDevices lists the devices of a tenant that hold a live
// control connection.
func (s *Server) handleConnectedDevices(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_identifier")
	if !validIdentifiers(w, tenant) {
		return
	}
	devices := s.control.ConnectedDevices(tenant)
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, connectedResponse{
		Status:           statusSuccess,
		TenantIdentifier: tenant,
		Devices:          devices,
	})
}
