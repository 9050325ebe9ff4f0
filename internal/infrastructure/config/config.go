package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the hub, the
// management plane and the edge device binaries.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Hub        HubConfig        `yaml:"hub"`
	Management ManagementConfig `yaml:"management"`
	Edge       EdgeConfig       `yaml:"edge"`
}

// DatabaseConfig contains settings for the per-tenant SQLite databases.
type DatabaseConfig struct {
	// Dir holds one tenant_<id>.db file per tenant.
	Dir         string `yaml:"dir"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ListenConfig is a host/port pair for a network listener.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the listener address in host:port form.
func (l ListenConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// HubConfig contains ingestion hub settings.
type HubConfig struct {
	GRPC     ListenConfig   `yaml:"grpc"`
	HTTP     ListenConfig   `yaml:"http"`
	Buffers  BuffersConfig  `yaml:"buffers"`
	Liveness LivenessConfig `yaml:"liveness"`
}

// BuffersConfig contains the tenant buffer settings for both buffer kinds.
type BuffersConfig struct {
	MetricsBatchSize int `yaml:"metrics_batch_size"`
	StatusBatchSize  int `yaml:"status_batch_size"`
	QueueSize        int `yaml:"queue_size"`

	// FlushInterval flushes partial batches periodically (seconds). 0 disables.
	FlushInterval int `yaml:"flush_interval"`

	// WriteTimeout bounds a single batch write (seconds).
	WriteTimeout int `yaml:"write_timeout"`
}

// LivenessConfig contains device liveness sweep settings.
type LivenessConfig struct {
	// Tenants are swept from startup even before they send any data.
	Tenants  []string `yaml:"tenants"`
	Interval int      `yaml:"interval"`
	Timeout  int      `yaml:"timeout"`
}

// ManagementConfig contains management plane settings.
type ManagementConfig struct {
	API            APIConfig       `yaml:"api"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
	CommandTimeout int             `yaml:"command_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains control channel settings.
type WebSocketConfig struct {
	Path             string `yaml:"path"`
	MaxMessageSize   int    `yaml:"max_message_size"`
	PingInterval     int    `yaml:"ping_interval"`
	PongTimeout      int    `yaml:"pong_timeout"`
	HandshakeTimeout int    `yaml:"handshake_timeout"`
}

// EdgeConfig contains edge device settings.
type EdgeConfig struct {
	TenantIdentifier string   `yaml:"tenant_identifier"`
	DeviceIdentifier string   `yaml:"device_identifier"`
	Description      string   `yaml:"description"`
	Timezone         string   `yaml:"timezone"`
	Longitude        *float64 `yaml:"longitude"`
	Latitude         *float64 `yaml:"latitude"`
	Country          string   `yaml:"country"`

	HubAddress        string `yaml:"hub_address"`
	ManagementHTTPURI string `yaml:"management_http_uri"`
	ManagementWSURI   string `yaml:"management_ws_uri"`

	SensorStore       string          `yaml:"sensor_store"`
	HeartbeatInterval int             `yaml:"heartbeat_interval"`
	Retry             EdgeRetryConfig `yaml:"retry"`
}

// EdgeRetryConfig holds the fixed retry delays (seconds) of the edge clients.
type EdgeRetryConfig struct {
	Uplink       int `yaml:"uplink"`
	Control      int `yaml:"control"`
	Registration int `yaml:"registration"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEET_SECTION_KEY
// For example: FLEET_DATABASE_DIR, FLEET_EDGE_DEVICE_IDENTIFIER
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dir:         "./data",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleet-hub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Hub: HubConfig{
			GRPC: ListenConfig{Host: "0.0.0.0", Port: 50051},
			HTTP: ListenConfig{Host: "0.0.0.0", Port: 9100},
			Buffers: BuffersConfig{
				MetricsBatchSize: 2,
				StatusBatchSize:  1,
				QueueSize:        1024,
				WriteTimeout:     10,
			},
			Liveness: LivenessConfig{
				Tenants:  []string{"100000"},
				Interval: 20,
				Timeout:  30,
			},
		},
		Management: ManagementConfig{
			API: APIConfig{
				Host: "0.0.0.0",
				Port: 8000,
				Timeouts: APITimeoutConfig{
					Read:  30,
					Write: 60,
					Idle:  60,
				},
			},
			WebSocket: WebSocketConfig{
				Path:             "/ws/v1/tenants/devices",
				MaxMessageSize:   65536,
				PingInterval:     30,
				PongTimeout:      10,
				HandshakeTimeout: 10,
			},
			CommandTimeout: 30,
		},
		Edge: EdgeConfig{
			Description:       "edge device",
			Timezone:          "UTC",
			HubAddress:        "localhost:50051",
			ManagementHTTPURI: "http://localhost:8000",
			ManagementWSURI:   "ws://localhost:8000",
			SensorStore:       "storage/sensors.yaml",
			HeartbeatInterval: 10,
			Retry: EdgeRetryConfig{
				Uplink:       10,
				Control:      5,
				Registration: 10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEET_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FLEET_DATABASE_DIR"); v != "" {
		cfg.Database.Dir = v
	}

	// MQTT
	if v := os.Getenv("FLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("FLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Hub
	if v := os.Getenv("FLEET_HUB_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Hub.GRPC.Port = port
		}
	}
	if v := os.Getenv("FLEET_HUB_METRICS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.Buffers.MetricsBatchSize = n
		}
	}
	if v := os.Getenv("FLEET_HUB_STATUS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.Buffers.StatusBatchSize = n
		}
	}

	// Management
	if v := os.Getenv("FLEET_MANAGEMENT_API_HOST"); v != "" {
		cfg.Management.API.Host = v
	}

	// Edge identity and endpoints
	if v := os.Getenv("FLEET_EDGE_TENANT_IDENTIFIER"); v != "" {
		cfg.Edge.TenantIdentifier = v
	}
	if v := os.Getenv("FLEET_EDGE_DEVICE_IDENTIFIER"); v != "" {
		cfg.Edge.DeviceIdentifier = v
	}
	if v := os.Getenv("FLEET_EDGE_HUB_ADDRESS"); v != "" {
		cfg.Edge.HubAddress = v
	}
	if v := os.Getenv("FLEET_EDGE_MANAGEMENT_HTTP_URI"); v != "" {
		cfg.Edge.ManagementHTTPURI = v
	}
	if v := os.Getenv("FLEET_EDGE_MANAGEMENT_WS_URI"); v != "" {
		cfg.Edge.ManagementWSURI = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Dir == "" {
		errs = append(errs, "database.dir is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, validatePort("hub.grpc.port", c.Hub.GRPC.Port)...)
	errs = append(errs, validatePort("hub.http.port", c.Hub.HTTP.Port)...)
	errs = append(errs, validatePort("management.api.port", c.Management.API.Port)...)

	if c.Hub.Buffers.MetricsBatchSize < 1 {
		errs = append(errs, "hub.buffers.metrics_batch_size must be at least 1")
	}
	if c.Hub.Buffers.StatusBatchSize < 1 {
		errs = append(errs, "hub.buffers.status_batch_size must be at least 1")
	}
	if c.Hub.Buffers.QueueSize < 1 {
		errs = append(errs, "hub.buffers.queue_size must be at least 1")
	}
	if c.Hub.Buffers.FlushInterval < 0 {
		errs = append(errs, "hub.buffers.flush_interval cannot be negative")
	}
	if c.Hub.Liveness.Interval < 1 {
		errs = append(errs, "hub.liveness.interval must be at least 1 second")
	}
	if c.Hub.Liveness.Timeout < 1 {
		errs = append(errs, "hub.liveness.timeout must be at least 1 second")
	}

	if c.Management.CommandTimeout < 1 {
		errs = append(errs, "management.command_timeout must be at least 1 second")
	}
	if c.Management.WebSocket.Path == "" {
		errs = append(errs, "management.websocket.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateEdge checks the settings only the edge device binary depends on.
func (c *Config) ValidateEdge() error {
	var errs []string

	if c.Edge.TenantIdentifier == "" {
		errs = append(errs, "edge.tenant_identifier is required (set FLEET_EDGE_TENANT_IDENTIFIER)")
	}
	if c.Edge.DeviceIdentifier == "" {
		errs = append(errs, "edge.device_identifier is required (set FLEET_EDGE_DEVICE_IDENTIFIER)")
	}
	if c.Edge.HubAddress == "" {
		errs = append(errs, "edge.hub_address is required")
	}
	if c.Edge.ManagementHTTPURI == "" {
		errs = append(errs, "edge.management_http_uri is required")
	}
	if c.Edge.ManagementWSURI == "" {
		errs = append(errs, "edge.management_ws_uri is required")
	}
	if c.Edge.SensorStore == "" {
		errs = append(errs, "edge.sensor_store is required")
	}
	if c.Edge.HeartbeatInterval < 1 {
		errs = append(errs, "edge.heartbeat_interval must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("edge configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(name string, port int) []string {
	if port < 1 || port > 65535 {
		return []string{name + " must be between 1 and 65535"}
	}
	return nil
}

// GetReadTimeout returns the management API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Management.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the management API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Management.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the management API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Management.API.Timeouts.Idle) * time.Second
}

// GetCommandTimeout returns how long a command waits for the device reply.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Management.CommandTimeout) * time.Second
}

// GetLivenessInterval returns the liveness sweep interval as a Duration.
func (c *Config) GetLivenessInterval() time.Duration {
	return time.Duration(c.Hub.Liveness.Interval) * time.Second
}

// GetLivenessTimeout returns the maximum heartbeat age as a Duration.
func (c *Config) GetLivenessTimeout() time.Duration {
	return time.Duration(c.Hub.Liveness.Timeout) * time.Second
}

// GetBufferFlushInterval returns the partial batch flush interval (0 when disabled).
func (c *Config) GetBufferFlushInterval() time.Duration {
	return time.Duration(c.Hub.Buffers.FlushInterval) * time.Second
}

// GetBufferWriteTimeout returns the per-batch write timeout as a Duration.
func (c *Config) GetBufferWriteTimeout() time.Duration {
	return time.Duration(c.Hub.Buffers.WriteTimeout) * time.Second
}

// GetHeartbeatInterval returns the edge heartbeat interval as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Edge.HeartbeatInterval) * time.Second
}
