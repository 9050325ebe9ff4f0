package ingest

import (
	"context"

	"google.golang.org/grpc"

	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// ServiceName is the fully qualified RPC service name.
const ServiceName = "fleet.hub.v1.Hub"

const (
	sendNumericScalarValuesMethod = "/" + ServiceName + "/SendNumericScalarValues"
	sendDeviceStatusMethod        = "/" + ServiceName + "/SendDeviceStatus"
)

// NumericScalarValuesStream is the server side of SendNumericScalarValues.
type NumericScalarValuesStream = grpc.ClientStreamingServer[telemetry.NumericScalarValue, telemetry.Empty]

// HubServer is implemented by the hub's ingestion service.
type HubServer interface {
	SendNumericScalarValues(stream NumericScalarValuesStream) error
	SendDeviceStatus(ctx context.Context, status *telemetry.DeviceStatus) (*telemetry.Empty, error)
}

// ServiceDesc describes fleet.hub.v1.Hub for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendDeviceStatus",
			Handler:    sendDeviceStatusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SendNumericScalarValues",
			Handler:       sendNumericScalarValuesHandler,
			ClientStreams: true,
		},
	},
	Metadata: "fleet/hub/v1/hub",
}

// RegisterHubServer registers srv on s.
func RegisterHubServer(s grpc.ServiceRegistrar, srv HubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sendDeviceStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(telemetry.DeviceStatus)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HubServer).SendDeviceStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendDeviceStatusMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HubServer).SendDeviceStatus(ctx, req.(*telemetry.DeviceStatus))
	}
	return interceptor(ctx, in, info, handler)
}

func sendNumericScalarValuesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HubServer).SendNumericScalarValues(
		&grpc.GenericServerStream[telemetry.NumericScalarValue, telemetry.Empty]{ServerStream: stream},
	)
}
