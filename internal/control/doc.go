// Package control implements the command channel between the management
// plane and edge devices.
//
// Devices dial the management plane over a websocket and announce
// themselves with a connect frame. The Server keeps one connection per
// (tenant, device) and correlates every command it sends with the
// device's command_response by message id. SendWithResponse ends in
// exactly one of: the device response, ErrCorrelationTimeout or
// ErrCorrelationDisconnect. The pending entry is removed on every path.
//
// The Client is the device side: it reconnects forever with a fixed
// delay and answers every command and sensor_management frame with one
// command_response.
//
// Frame shapes:
//
//	{"message_type":"connect","tenant_identifier":"100000","device_identifier":"dev001"}
//	{"message_type":"connect_ack","status":"success","message":"Connected to websocket"}
//	{"message_type":"command","command":"get_connection_state","message_id":"...", ...}
//	{"message_type":"command_response","status":"success","message":"...","message_id":"...","data":{...}}
package control
