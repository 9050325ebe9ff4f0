package uplink

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nerrad567/fleet-telemetry/internal/ingest"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeHub struct {
	mu        sync.Mutex
	values    []telemetry.NumericScalarValue
	statuses  []telemetry.DeviceStatus
	statusErr error
}

func (h *fakeHub) SendNumericScalarValues(stream ingest.NumericScalarValuesStream) error {
	for {
		v, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&telemetry.Empty{})
		}
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.values = append(h.values, *v)
		h.mu.Unlock()
	}
}

func (h *fakeHub) SendDeviceStatus(_ context.Context, st *telemetry.DeviceStatus) (*telemetry.Empty, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusErr != nil {
		return nil, h.statusErr
	}
	h.statuses = append(h.statuses, *st)
	return &telemetry.Empty{}, nil
}

func (h *fakeHub) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values), len(h.statuses)
}

func newClient(lis *bufconn.Listener) *Client {
	return New(Config{
		Address:        "passthrough:///bufnet",
		RetryDelay:     10 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
		CallTimeout:    2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
}

func serve(t *testing.T, lis *bufconn.Listener, hub ingest.HubServer) {
	t.Helper()
	srv := grpc.NewServer()
	ingest.RegisterHubServer(srv, hub)
	go srv.Serve(lis) //nolint:errcheck // returns when Stop is called
	t.Cleanup(srv.Stop)
}

func sample(metric string, v float64) telemetry.NumericScalarValue {
	return telemetry.NumericScalarValue{
		TenantIdentifier: "100000",
		DeviceIdentifier: "dev001",
		MetricIdentifier: metric,
		Value:            v,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Client Tests
// =============================================================================

func TestClient_ConnectAndSend(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	hub := &fakeHub{}
	serve(t, lis, hub)

	c := newClient(lis)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	values := []telemetry.NumericScalarValue{sample("vibration.S1.x_axis", 1.5), sample("vibration.S1.y_axis", -0.5)}
	if err := c.SendValues(ctx, values); err != nil {
		t.Fatalf("SendValues() error = %v", err)
	}
	if err := c.SendValues(ctx, nil); err != nil {
		t.Errorf("SendValues(nil) error = %v", err)
	}

	st := telemetry.DeviceStatus{
		TenantIdentifier: "100000",
		DeviceIdentifier: "dev001",
		Status:           telemetry.StatusOnline,
		Timestamp:        time.Now(),
	}
	if err := c.SendStatus(ctx, st); err != nil {
		t.Fatalf("SendStatus() error = %v", err)
	}

	nv, ns := hub.counts()
	if nv != 2 || ns != 1 {
		t.Errorf("hub received %d values and %d statuses, want 2 and 1", nv, ns)
	}
}

func TestClient_ConnectRetriesUntilHubUp(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	hub := &fakeHub{}

	c := newClient(lis)
	defer c.Close()

	// Dials block until the server starts accepting.
	go func() {
		time.Sleep(250 * time.Millisecond)
		serve(t, lis, hub)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SendValues(ctx, []telemetry.NumericScalarValue{sample("temperature.S1", 20)}); err != nil {
		t.Fatalf("SendValues() error = %v", err)
	}
}

func TestClient_ConnectHonoursContext(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	lis.Close()

	c := newClient(lis)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := c.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	lis.Close()

	c := newClient(lis)

	err := c.SendValues(context.Background(), []telemetry.NumericScalarValue{sample("temperature.S1", 20)})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendValues() error = %v, want ErrNotConnected", err)
	}
	if err := c.SendStatus(context.Background(), telemetry.DeviceStatus{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendStatus() error = %v, want ErrNotConnected", err)
	}

	// Close stops the background reconnect started by the failed sends.
	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not stop the reconnect loop")
	}
}

func TestClient_RejectedCall(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	hub := &fakeHub{statusErr: status.Error(codes.InvalidArgument, "bad status")}
	serve(t, lis, hub)

	c := newClient(lis)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.SendStatus(ctx, telemetry.DeviceStatus{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("SendStatus() code = %v, want InvalidArgument", status.Code(err))
	}
	if c.reconnecting.Load() {
		t.Error("a rejected call started a reconnect")
	}
}

func TestClient_Close(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	serve(t, lis, &fakeHub{})

	c := newClient(lis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.SendValues(ctx, []telemetry.NumericScalarValue{sample("temperature.S1", 1)}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendValues() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}
