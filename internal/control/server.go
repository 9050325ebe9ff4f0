package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
)

var (
	ErrDeviceNotConnected    = errors.New("control: device not connected")
	ErrCorrelationTimeout    = errors.New("control: timed out waiting for device response")
	ErrCorrelationDisconnect = errors.New("control: device disconnected before responding")
	ErrDuplicateMessageID    = errors.New("control: message id already pending")
	ErrServerClosed          = errors.New("control: server closed")
)

// Command outcomes reported to the Observer.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnect   = "disconnect"
	OutcomeNotConnected = "not_connected"
)

const (
	sendBufferSize          = 64
	defaultMaxMessageSize   = 64 << 10
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Observer receives connection and command activity.
type Observer interface {
	SetControlConnections(n int)
	ObserveCommand(outcome string)
}

// Logger is the logging interface used by the control channel.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) SetControlConnections(int) {}
func (noopObserver) ObserveCommand(string)     {}

type deviceKey struct {
	tenant string
	device string
}

// conn is one device connection. Only writePump writes to ws; the send
// channel is never closed, done signals the end of the connection.
type conn struct {
	key       deviceKey
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

type result struct {
	resp Response
	err  error
}

type pendingEntry struct {
	conn *conn
	ch   chan result
}

// Server accepts device connections and correlates commands with their
// responses.
type Server struct {
	maxMessageSize   int64
	pingInterval     time.Duration
	pongTimeout      time.Duration
	handshakeTimeout time.Duration

	upgrader websocket.Upgrader
	logger   Logger
	observer Observer

	mu      sync.Mutex
	conns   map[deviceKey]*conn
	pending map[string]pendingEntry
	closed  bool
}

// NewServer creates a Server. Zero settings take the defaults.
func NewServer(cfg config.WebSocketConfig) *Server {
	s := &Server{
		maxMessageSize:   int64(cfg.MaxMessageSize),
		pingInterval:     time.Duration(cfg.PingInterval) * time.Second,
		pongTimeout:      time.Duration(cfg.PongTimeout) * time.Second,
		handshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
		logger:           noopLogger{},
		observer:         noopObserver{},
		conns:            make(map[deviceKey]*conn),
		pending:          make(map[string]pendingEntry),
	}
	if s.maxMessageSize <= 0 {
		s.maxMessageSize = defaultMaxMessageSize
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pongTimeout <= 0 {
		s.pongTimeout = defaultPongTimeout
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: s.handshakeTimeout,
		CheckOrigin: func(_ *http.Request) bool {
			// Devices are not browsers.
			return true
		},
	}
	return s
}

// SetLogger sets the logger.
func (s *Server) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetObserver sets the metrics observer.
func (s *Server) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// ServeHTTP upgrades the request, performs the connect handshake and
// reads frames until the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(s.maxMessageSize)

	frame, err := s.handshake(ws)
	if err != nil {
		s.logger.Warn("control handshake failed", "remote", r.RemoteAddr, "error", err)
		deadline := time.Now().Add(closeGracePeriod)
		//nolint:errcheck // best-effort close frame
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connect frame required"), deadline)
		ws.Close()
		return
	}

	c := &conn{
		key:  deviceKey{tenant: frame.TenantIdentifier, device: frame.DeviceIdentifier},
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	if err := s.register(c); err != nil {
		ws.Close()
		return
	}

	go s.writePump(c)

	ack, _ := json.Marshal(ConnectAck{ //nolint:errcheck // fixed struct always encodes
		MessageType: TypeConnectAck,
		Status:      StatusSuccess,
		Message:     "Connected to websocket",
	})
	if err := c.enqueue(ack); err != nil {
		s.disconnect(c)
		return
	}

	s.readPump(c)
}

func (s *Server) handshake(ws *websocket.Conn) (ConnectFrame, error) {
	//nolint:errcheck // read below fails if the deadline cannot be set
	ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout))

	var frame ConnectFrame
	_, data, err := ws.ReadMessage()
	if err != nil {
		return frame, fmt.Errorf("reading connect frame: %w", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decoding connect frame: %w", err)
	}
	if frame.MessageType != TypeConnect {
		return frame, fmt.Errorf("expected %q frame, got %q", TypeConnect, frame.MessageType)
	}
	if frame.TenantIdentifier == "" || frame.DeviceIdentifier == "" {
		return frame, errors.New("connect frame without tenant or device identifier")
	}
	return frame, nil
}

// register maps c, replacing and closing any stale connection of the
// same device.
func (s *Server) register(c *conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	stale := s.conns[c.key]
	s.conns[c.key] = c
	n := len(s.conns)
	s.mu.Unlock()

	if stale != nil {
		s.logger.Info("replacing stale device connection", "tenant", c.key.tenant, "device", c.key.device)
		s.disconnect(stale)
	}
	s.observer.SetControlConnections(n)
	s.logger.Info("device connected", "tenant", c.key.tenant, "device", c.key.device)
	return nil
}

// disconnect removes c and fails its pending commands. Safe to call more
// than once.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	removed := false
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
		removed = true
	}
	var orphans []pendingEntry
	for id, e := range s.pending {
		if e.conn == c {
			delete(s.pending, id)
			orphans = append(orphans, e)
		}
	}
	n := len(s.conns)
	s.mu.Unlock()

	for _, e := range orphans {
		e.ch <- result{err: ErrCorrelationDisconnect}
	}
	c.close()
	c.ws.Close()

	if removed {
		s.observer.SetControlConnections(n)
		s.logger.Info("device disconnected", "tenant", c.key.tenant, "device", c.key.device)
	}
}

func (s *Server) readPump(c *conn) {
	defer s.disconnect(c)

	readWait := s.pingInterval + s.pongTimeout
	//nolint:errcheck // best-effort deadline
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("control read error", "device", c.key.device, "error", err)
			} else {
				s.logger.Debug("control connection closed", "device", c.key.device, "error", err)
			}
			return
		}
		//nolint:errcheck // best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("undecodable frame from device", "device", c.key.device, "error", err)
		return
	}

	if env.MessageID != "" {
		s.mu.Lock()
		e, ok := s.pending[env.MessageID]
		if ok && e.conn == c {
			delete(s.pending, env.MessageID)
		} else {
			ok = false
		}
		s.mu.Unlock()

		if ok {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				e.ch <- result{err: fmt.Errorf("decoding device response: %w", err)}
				return
			}
			e.ch <- result{resp: resp}
			return
		}
	}
	s.logger.Info("unsolicited frame from device",
		"tenant", c.key.tenant,
		"device", c.key.device,
		"message_type", env.MessageType,
		"message_id", env.MessageID,
	)
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			//nolint:errcheck // write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(s.pongTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.disconnect(c)
				return
			}
		case <-ticker.C:
			//nolint:errcheck // ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(s.pongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.disconnect(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands data to the write pump.
func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrCorrelationDisconnect
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrCorrelationDisconnect
	default:
		return fmt.Errorf("control: send buffer full for device %s", c.key.device)
	}
}

// SendWithResponse sends cmd to its device and waits for the matching
// command_response. A response with status failure is returned without
// error; callers check Response.OK.
func (s *Server) SendWithResponse(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	if cmd.MessageID == "" {
		cmd.MessageID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("encoding command: %w", err)
	}

	key := deviceKey{tenant: cmd.TenantIdentifier, device: cmd.DeviceIdentifier}
	ch := make(chan result, 1)

	s.mu.Lock()
	c := s.conns[key]
	if c == nil {
		s.mu.Unlock()
		s.observer.ObserveCommand(OutcomeNotConnected)
		return Response{}, fmt.Errorf("%w: %s/%s", ErrDeviceNotConnected, key.tenant, key.device)
	}
	if _, dup := s.pending[cmd.MessageID]; dup {
		s.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s", ErrDuplicateMessageID, cmd.MessageID)
	}
	s.pending[cmd.MessageID] = pendingEntry{conn: c, ch: ch}
	s.mu.Unlock()

	if err := c.enqueue(data); err != nil {
		if s.removePending(cmd.MessageID) {
			s.observer.ObserveCommand(OutcomeDisconnect)
			return Response{}, fmt.Errorf("%w: %w", ErrCorrelationDisconnect, err)
		}
		// Resolved concurrently by a disconnect.
		return s.finish(<-ch)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return s.finish(r)
	case <-timer.C:
		if !s.removePending(cmd.MessageID) {
			return s.finish(<-ch)
		}
		s.observer.ObserveCommand(OutcomeTimeout)
		s.logger.Warn("device did not respond in time",
			"tenant", key.tenant,
			"device", key.device,
			"command", cmd.Command,
			"timeout", timeout,
		)
		return Response{}, fmt.Errorf("%w: %s after %s", ErrCorrelationTimeout, key.device, timeout)
	case <-ctx.Done():
		if !s.removePending(cmd.MessageID) {
			return s.finish(<-ch)
		}
		return Response{}, ctx.Err()
	}
}

func (s *Server) finish(r result) (Response, error) {
	switch {
	case errors.Is(r.err, ErrCorrelationDisconnect):
		s.observer.ObserveCommand(OutcomeDisconnect)
	case r.err != nil:
		s.observer.ObserveCommand(OutcomeFailure)
	case r.resp.OK():
		s.observer.ObserveCommand(OutcomeSuccess)
	default:
		s.observer.ObserveCommand(OutcomeFailure)
	}
	return r.resp, r.err
}

// removePending deletes the entry for id and reports whether it was
// still there.
func (s *Server) removePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Pending returns the number of commands awaiting a response.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsConnected reports whether the device has a live connection.
func (s *Server) IsConnected(tenant, device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[deviceKey{tenant: tenant, device: device}]
	return ok
}

// ConnectedDevices lists the connected devices of a tenant, sorted.
func (s *Server) ConnectedDevices(tenant string) []string {
	s.mu.Lock()
	out := make([]string, 0)
	for k := range s.conns {
		if k.tenant == tenant {
			out = append(out, k.device)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close disconnects every device and rejects new connections. Pending
// commands end with ErrCorrelationDisconnect.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		deadline := time.Now().Add(closeGracePeriod)
		//nolint:errcheck // best-effort close frame
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		s.disconnect(c)
	}
}
