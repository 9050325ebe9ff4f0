package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every fleet topic.
const TopicPrefix = "fleet"

// Topics builds fleet MQTT topics:
//
//	fleet/system/{client_id}/status             hub online/offline (retained, LWT)
//	fleet/{tenant}/devices/{device}/status      device health events (retained)
type Topics struct{}

// HubStatus returns the presence topic of a hub process.
func (Topics) HubStatus(clientID string) string {
	return fmt.Sprintf("%s/system/%s/status", TopicPrefix, clientID)
}

// DeviceStatus returns the health topic of one device.
func (Topics) DeviceStatus(tenant, device string) string {
	return fmt.Sprintf("%s/%s/devices/%s/status", TopicPrefix, tenant, device)
}

// TenantDeviceStatus matches the health topics of every device in a tenant.
func (Topics) TenantDeviceStatus(tenant string) string {
	return fmt.Sprintf("%s/%s/devices/+/status", TopicPrefix, tenant)
}

// AllDeviceStatus matches the health topics of every device.
func (Topics) AllDeviceStatus() string {
	return TopicPrefix + "/+/devices/+/status"
}

// ParseDeviceStatus extracts tenant and device from a device status topic.
func (Topics) ParseDeviceStatus(topic string) (tenant, device string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicPrefix || parts[2] != "devices" || parts[4] != "status" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
