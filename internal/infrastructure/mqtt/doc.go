// Package mqtt connects the fleet services to an MQTT broker.
//
// The hub publishes retained device health events so dashboards and the
// management plane can follow status changes without polling:
//
//	fleet/{tenant}/devices/{device}/status
//
// Each client also keeps a retained presence message on
// fleet/system/{client_id}/status, with a Last Will that flips it to
// offline if the process dies.
//
// MQTT is optional (mqtt.enabled). TLS should be enabled in production;
// credentials belong in FLEET_MQTT_USERNAME / FLEET_MQTT_PASSWORD.
package mqtt
