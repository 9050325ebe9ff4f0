// Package ingest implements the hub's ingestion RPC.
//
// The service is fleet.hub.v1.Hub with two methods:
//
//	SendNumericScalarValues  client stream of NumericScalarValue, one Empty reply
//	SendDeviceStatus         unary DeviceStatus, Empty reply
//
// Messages are the JSON encodings of the telemetry package types. The
// "json" codec is registered with grpc at init, and clients built with
// NewClient select it per call, so no generated protobuf code is needed.
//
// The hub side accepts each message into the matching tenant buffer and
// acknowledges once the buffer has it. Persistence happens later, in
// batches; a stored value is at-least-once.
package ingest
