package ingest

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nerrad567/fleet-telemetry/internal/hub/buffer"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// Kinds reported to the Observer.
const (
	KindNumericScalar = telemetry.MetricTypeNumericScalar
	KindDeviceStatus  = "device_status"
)

// Enqueuer accepts items for a tenant. *buffer.TenantBuffer satisfies it.
type Enqueuer[T any] interface {
	Enqueue(ctx context.Context, tenant string, item T) error
}

// Observer counts accepted values.
type Observer interface {
	ObserveIngested(kind string, n int)
}

// Logger is the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type noopObserver struct{}

func (noopObserver) ObserveIngested(string, int) {}

// Service is the hub side of fleet.hub.v1.Hub.
type Service struct {
	values   Enqueuer[telemetry.NumericScalarValue]
	statuses Enqueuer[telemetry.DeviceStatus]
	logger   Logger
	observer Observer
}

// NewService creates a Service feeding the two buffers.
func NewService(values Enqueuer[telemetry.NumericScalarValue], statuses Enqueuer[telemetry.DeviceStatus]) *Service {
	return &Service{
		values:   values,
		statuses: statuses,
		logger:   noopLogger{},
		observer: noopObserver{},
	}
}

// SetLogger sets the logger.
func (s *Service) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetObserver sets the metrics observer.
func (s *Service) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// SendNumericScalarValues enqueues every value on the stream and
// acknowledges once the client closes its side. A malformed value aborts
// the stream with InvalidArgument; values before it stay accepted.
func (s *Service) SendNumericScalarValues(stream NumericScalarValuesStream) error {
	ctx := stream.Context()
	accepted := 0
	defer func() {
		if accepted > 0 {
			s.observer.ObserveIngested(KindNumericScalar, accepted)
		}
	}()

	for {
		v, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("numeric scalar stream closed", "values", accepted)
			return stream.SendAndClose(&telemetry.Empty{})
		}
		if err != nil {
			return err
		}
		if err := v.Validate(); err != nil {
			s.logger.Warn("rejecting numeric scalar value", "device", v.DeviceIdentifier, "error", err)
			return status.Errorf(codes.InvalidArgument, "invalid numeric scalar value: %v", err)
		}
		if err := s.values.Enqueue(ctx, v.TenantIdentifier, *v); err != nil {
			return enqueueStatus(err)
		}
		accepted++
	}
}

// SendDeviceStatus enqueues a status report.
func (s *Service) SendDeviceStatus(ctx context.Context, st *telemetry.DeviceStatus) (*telemetry.Empty, error) {
	if err := st.Validate(); err != nil {
		s.logger.Warn("rejecting device status", "device", st.DeviceIdentifier, "error", err)
		return nil, status.Errorf(codes.InvalidArgument, "invalid device status: %v", err)
	}
	if err := s.statuses.Enqueue(ctx, st.TenantIdentifier, *st); err != nil {
		return nil, enqueueStatus(err)
	}
	s.observer.ObserveIngested(KindDeviceStatus, 1)
	return &telemetry.Empty{}, nil
}

// enqueueStatus maps buffer errors onto grpc codes. A closed buffer
// means the hub is shutting down, which clients treat as retryable.
func enqueueStatus(err error) error {
	switch {
	case errors.Is(err, buffer.ErrClosed):
		return status.Error(codes.Unavailable, "hub is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Errorf(codes.Internal, "enqueue failed: %v", err)
	}
}
