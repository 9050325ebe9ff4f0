package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nerrad567/fleet-telemetry/internal/hub/buffer"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordingEnqueuer[T any] struct {
	mu    sync.Mutex
	items map[string][]T
	err   error
}

func newRecordingEnqueuer[T any]() *recordingEnqueuer[T] {
	return &recordingEnqueuer[T]{items: make(map[string][]T)}
}

func (r *recordingEnqueuer[T]) Enqueue(_ context.Context, tenant string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items[tenant] = append(r.items[tenant], item)
	return nil
}

func (r *recordingEnqueuer[T]) get(tenant string) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items[tenant]...)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveIngested(kind string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[kind] += n
}

func (o *countingObserver) get(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[kind]
}

// startHub serves svc over an in-memory listener and returns a client.
func startHub(t *testing.T, svc HubServer) *HubClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterHubServer(srv, svc)
	go srv.Serve(lis) //nolint:errcheck // returns when Stop is called
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewHubClient(conn)
}

func value(tenant, device, metric string, v float64) *telemetry.NumericScalarValue {
	return &telemetry.NumericScalarValue{
		TenantIdentifier: tenant,
		DeviceIdentifier: device,
		MetricIdentifier: metric,
		Path:             "plant.line1",
		Unit:             "C",
		DisplayName:      metric,
		Value:            v,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// SendNumericScalarValues Tests
// =============================================================================

func TestSendNumericScalarValues(t *testing.T) {
	values := newRecordingEnqueuer[telemetry.NumericScalarValue]()
	obs := &countingObserver{}
	svc := NewService(values, newRecordingEnqueuer[telemetry.DeviceStatus]())
	svc.SetObserver(obs)
	client := startHub(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SendNumericScalarValues(ctx)
	if err != nil {
		t.Fatalf("SendNumericScalarValues() error = %v", err)
	}
	sent := []*telemetry.NumericScalarValue{
		value("100000", "dev001", "temperature.s1", 21.5),
		value("200000", "dev002", "humidity.s2", 40),
		value("100000", "dev001", "temperature.s1", 21.75),
	}
	for _, v := range sent {
		if err := stream.Send(v); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		t.Fatalf("CloseAndRecv() error = %v", err)
	}

	got := values.get("100000")
	if len(got) != 2 || got[0].Value != 21.5 || got[1].Value != 21.75 {
		t.Errorf("tenant 100000 values = %+v", got)
	}
	if !got[0].Timestamp.Equal(sent[0].Timestamp) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, sent[0].Timestamp)
	}
	if len(values.get("200000")) != 1 {
		t.Errorf("tenant 200000 values = %+v", values.get("200000"))
	}
	if n := obs.get(KindNumericScalar); n != 3 {
		t.Errorf("observed %d values, want 3", n)
	}
}

func TestSendNumericScalarValues_InvalidValue(t *testing.T) {
	values := newRecordingEnqueuer[telemetry.NumericScalarValue]()
	client := startHub(t, NewService(values, newRecordingEnqueuer[telemetry.DeviceStatus]()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SendNumericScalarValues(ctx)
	if err != nil {
		t.Fatalf("SendNumericScalarValues() error = %v", err)
	}
	bad := value("100000", "dev001", "", 1)
	_ = stream.Send(bad)

	_, err = stream.CloseAndRecv()
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("CloseAndRecv() code = %v, want InvalidArgument (err %v)", status.Code(err), err)
	}
	if len(values.get("100000")) != 0 {
		t.Error("invalid value should not be enqueued")
	}
}

func TestSendNumericScalarValues_BufferClosed(t *testing.T) {
	closed := buffer.New[telemetry.NumericScalarValue](buffer.Config{Name: "metrics", BatchSize: 2},
		func(context.Context, string, []telemetry.NumericScalarValue) error { return nil })
	closed.Stop()

	client := startHub(t, NewService(closed, newRecordingEnqueuer[telemetry.DeviceStatus]()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SendNumericScalarValues(ctx)
	if err != nil {
		t.Fatalf("SendNumericScalarValues() error = %v", err)
	}
	_ = stream.Send(value("100000", "dev001", "temperature.s1", 1))

	_, err = stream.CloseAndRecv()
	if status.Code(err) != codes.Unavailable {
		t.Errorf("CloseAndRecv() code = %v, want Unavailable", status.Code(err))
	}
}

// =============================================================================
// SendDeviceStatus Tests
// =============================================================================

func TestSendDeviceStatus(t *testing.T) {
	statuses := newRecordingEnqueuer[telemetry.DeviceStatus]()
	obs := &countingObserver{}
	svc := NewService(newRecordingEnqueuer[telemetry.NumericScalarValue](), statuses)
	svc.SetObserver(obs)
	client := startHub(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		in       *telemetry.DeviceStatus
		wantCode codes.Code
	}{
		{
			name:     "online heartbeat",
			in:       &telemetry.DeviceStatus{TenantIdentifier: "100000", DeviceIdentifier: "dev001", Status: telemetry.StatusOnline, Timestamp: at},
			wantCode: codes.OK,
		},
		{
			name:     "missing device",
			in:       &telemetry.DeviceStatus{TenantIdentifier: "100000", Status: telemetry.StatusOnline, Timestamp: at},
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "unknown status",
			in:       &telemetry.DeviceStatus{TenantIdentifier: "100000", DeviceIdentifier: "dev001", Status: 99, Timestamp: at},
			wantCode: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.SendDeviceStatus(ctx, tt.in)
			if status.Code(err) != tt.wantCode {
				t.Errorf("SendDeviceStatus() code = %v, want %v (err %v)", status.Code(err), tt.wantCode, err)
			}
		})
	}

	got := statuses.get("100000")
	if len(got) != 1 || got[0].Status != telemetry.StatusOnline {
		t.Errorf("statuses = %+v", got)
	}
	if n := obs.get(KindDeviceStatus); n != 1 {
		t.Errorf("observed %d statuses, want 1", n)
	}
}

func TestEnqueueStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{buffer.ErrClosed, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{net.ErrClosed, codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(enqueueStatus(tt.err)); got != tt.want {
			t.Errorf("enqueueStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
