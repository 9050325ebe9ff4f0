package ingest

import (
	"context"

	"google.golang.org/grpc"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// NumericScalarValuesClient is the client side of SendNumericScalarValues.
type NumericScalarValuesClient = grpc.ClientStreamingClient[telemetry.NumericScalarValue, telemetry.Empty]

// HubClient calls fleet.hub.v1.Hub over an existing connection.
type HubClient struct {
	cc grpc.ClientConnInterface
}

// NewHubClient wraps cc. The connection may be shared.
func NewHubClient(cc grpc.ClientConnInterface) *HubClient {
	return &HubClient{cc: cc}
}

// SendNumericScalarValues opens a value stream. Send values, then call
// CloseAndRecv to receive the acknowledgement.
func (c *HubClient) SendNumericScalarValues(ctx context.Context, opts ...grpc.CallOption) (NumericScalarValuesClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], sendNumericScalarValuesMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[telemetry.NumericScalarValue, telemetry.Empty]{ClientStream: stream}, nil
}

// SendDeviceStatus reports one status.
func (c *HubClient) SendDeviceStatus(ctx context.Context, in *telemetry.DeviceStatus, opts ...grpc.CallOption) (*telemetry.Empty, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	out := new(telemetry.Empty)
	if err := c.cc.Invoke(ctx, sendDeviceStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
