package mqtt

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker tests need a Mosquitto broker at 127.0.0.1:1883 and are skipped
// when none is listening.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "fleet-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	conn.Close()
}

// offlineClient builds a client that never connected.
func offlineClient() *Client {
	cfg := testConfig()
	return newClient(cfg, buildClientOptions(cfg))
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := offlineClient()

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "qos too high", topic: "fleet/x", qos: 3, wantErr: ErrInvalidQoS},
		{name: "payload too large", topic: "fleet/x", qos: 1, payload: make([]byte, maxPayloadSize+1), wantErr: ErrPublishFailed},
		{name: "not connected", topic: "fleet/x", qos: 1, payload: []byte("{}"), wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := offlineClient()
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("fleet/#", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos: error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("fleet/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("fleet/#", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("offline: error = %v, want ErrNotConnected", err)
	}
	if c.HasSubscription("fleet/#") {
		t.Error("HasSubscription() = true after failed subscribe")
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v", err)
	}
}

func TestHealthCheckOffline(t *testing.T) {
	c := offlineClient()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "hub"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "fleet-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "hub" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("TLS scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "fleet-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false")
	}
	if opts.WillTopic != "fleet/system/fleet-test/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}
	if !strings.Contains(string(opts.WillPayload), `"status":"offline"`) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	c := offlineClient()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error { panic("boom") })
	h(nil, fakeMessage{topic: "fleet/100000/devices/dev001/status"})

	h = c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	h(nil, fakeMessage{topic: "fleet/100000/devices/dev001/status"})

	if logger.errors != 1 || logger.warns != 1 {
		t.Errorf("errors=%d warns=%d, want 1/1", logger.errors, logger.warns)
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"hub status", topics.HubStatus("fleet-hub"), "fleet/system/fleet-hub/status"},
		{"device status", topics.DeviceStatus("100000", "dev001"), "fleet/100000/devices/dev001/status"},
		{"tenant wildcard", topics.TenantDeviceStatus("100000"), "fleet/100000/devices/+/status"},
		{"all wildcard", topics.AllDeviceStatus(), "fleet/+/devices/+/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseDeviceStatus(t *testing.T) {
	tests := []struct {
		topic      string
		wantTenant string
		wantDevice string
		wantOK     bool
	}{
		{"fleet/100000/devices/dev001/status", "100000", "dev001", true},
		{"fleet/system/fleet-hub/status", "", "", false},
		{"fleet/100000/devices/dev001", "", "", false},
		{"other/100000/devices/dev001/status", "", "", false},
		{"fleet//devices/dev001/status", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			tenant, device, ok := Topics{}.ParseDeviceStatus(tt.topic)
			if ok != tt.wantOK || tenant != tt.wantTenant || device != tt.wantDevice {
				t.Errorf("ParseDeviceStatus() = (%q, %q, %v), want (%q, %q, %v)",
					tenant, device, ok, tt.wantTenant, tt.wantDevice, tt.wantOK)
			}
		})
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestPublishSubscribeRoundtrip(t *testing.T) {
	requireBroker(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{}, 1)

	wildcard := Topics{}.TenantDeviceStatus("900001")
	err = client.Subscribe(wildcard, 1, func(topic string, payload []byte) error {
		mu.Lock()
		received = append(received, topic+"="+string(payload))
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(wildcard) {
		t.Error("HasSubscription() = false after subscribe")
	}

	if err := client.Publish(Topics{}.DeviceStatus("900001", "dev001"), []byte(`{"status":"online"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 || !strings.HasPrefix(received[0], "fleet/900001/devices/dev001/status=") {
		t.Errorf("received = %v", received)
	}

	if err := client.Unsubscribe(wildcard); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

type recordingLogger struct {
	mu     sync.Mutex
	errors int
	warns  int
}

func (l *recordingLogger) Error(string, ...any) { l.mu.Lock(); l.errors++; l.mu.Unlock() }
func (l *recordingLogger) Warn(string, ...any)  { l.mu.Lock(); l.warns++; l.mu.Unlock() }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
