// Package uplink streams edge telemetry to the ingestion hub.
//
// One mutex guards connecting, sending and closing, so a send never
// observes a half-replaced connection. Transport failures are logged
// and start a background reconnect; callers only see the error.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/nerrad567/fleet-telemetry/internal/ingest"
	"github.com/nerrad567/fleet-telemetry/internal/telemetry"
)

const (
	// DefaultRetryDelay is the pause between connection attempts.
	DefaultRetryDelay = 10 * time.Second

	defaultConnectTimeout = 5 * time.Second
	defaultCallTimeout    = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("uplink: not connected")
	ErrClosed       = errors.New("uplink: closed")
)

// Logger is the logging interface used by the client.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Client.
type Config struct {
	// Address is the hub gRPC address, host:port.
	Address string

	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	CallTimeout    time.Duration

	// DialOptions are appended to the defaults (insecure transport).
	DialOptions []grpc.DialOption
}

// Client is the edge side of fleet.hub.v1.Hub.
type Client struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	hub    *ingest.HubClient
	closed bool

	bgCtx        context.Context
	bgCancel     context.CancelFunc
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// New creates an unconnected Client. Zero durations take the defaults.
func New(cfg Config) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		logger:   noopLogger{},
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// SetLogger sets the logger. Call before Connect.
func (c *Client) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// Connect dials the hub until a connection is ready, waiting RetryDelay
// between attempts. It returns early only when ctx ends or the client is
// closed.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.dial(ctx)
		if err == nil {
			c.logger.Info("connected to hub", "address", c.cfg.Address, "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Warn("hub connection failed, retrying",
			"address", c.cfg.Address,
			"attempt", attempt,
			"retry_in", c.cfg.RetryDelay,
			"error", err,
		)

		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.bgCtx.Done():
			return ErrClosed
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.cfg.DialOptions...)

	conn, err := grpc.NewClient(c.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("creating hub client: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(attemptCtx, state) {
			conn.Close() //nolint:errcheck // attempt failed anyway
			return fmt.Errorf("hub not ready (state %s): %w", state, attemptCtx.Err())
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck // client closed while dialing
		return ErrClosed
	}
	old := c.conn
	c.conn = conn
	c.hub = ingest.NewHubClient(conn)
	c.mu.Unlock()

	if old != nil {
		old.Close() //nolint:errcheck // replaced connection
	}
	return nil
}

// SendValues streams values to the hub and waits for the acknowledgement.
func (c *Client) SendValues(ctx context.Context, values []telemetry.NumericScalarValue) error {
	if len(values) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hub, err := c.readyLocked()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	stream, err := hub.SendNumericScalarValues(callCtx)
	if err != nil {
		return c.transportError("opening value stream", err)
	}
	for i := range values {
		if err := stream.Send(&values[i]); err != nil {
			// The real cause is reported by CloseAndRecv.
			break
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return c.transportError("sending values", err)
	}
	return nil
}

// SendStatus reports one device status.
func (c *Client) SendStatus(ctx context.Context, st telemetry.DeviceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hub, err := c.readyLocked()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if _, err := hub.SendDeviceStatus(callCtx, &st); err != nil {
		return c.transportError("sending device status", err)
	}
	return nil
}

// IsConnected reports whether a connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close releases the connection and stops any background reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.hub = nil
	c.mu.Unlock()

	c.bgCancel()
	c.wg.Wait()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readyLocked() (*ingest.HubClient, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.hub == nil {
		c.reconnect()
		return nil, ErrNotConnected
	}
	return c.hub, nil
}

// transportError logs err and, when the hub is unreachable, starts a
// reconnect. Rejections by the hub are returned as they are.
func (c *Client) transportError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		c.logger.Warn("hub call failed", "op", op, "error", err)
		c.reconnect()
	default:
		c.logger.Error("hub rejected call", "op", op, "error", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// reconnect starts at most one background Connect.
func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		if err := c.Connect(c.bgCtx); err != nil && !errors.Is(err, ErrClosed) && c.bgCtx.Err() == nil {
			c.logger.Error("hub reconnect stopped", "error", err)
		}
	}()
}
