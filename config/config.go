package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Arena1Config represents the complete arena1 configuration system
// Priority: Flags > Environment Variables > .env File > Defaults
type Arena1Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Worker     WorkerConfig     `json:"worker"`
	Logging    LoggingConfig    `json:"logging"`
	WebSocket  WebSocketConfig  `json:"websocket"`
	Simulation SimulationConfig `json:"simulation"`
	Snapshot   SnapshotConfig   `json:"snapshot"`
	StateSync  StateSyncConfig  `json:"state_sync"`
	Prediction PredictionConfig `json:"prediction"`
	Rooms      RoomsConfig      `json:"rooms"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Breaker    BreakerConfig    `json:"breaker"`
	Auth       AuthConfig       `json:"auth"`
	Database   DatabaseConfig   `json:"database"`
}

type GatewayConfig struct {
	Host           string        `json:"host"`
	Port           string        `json:"port"`
	WorkerEndpoint string        `json:"worker_endpoint"`
	WorkerSecret   string        `json:"worker_secret"`
	RPCTimeout     time.Duration `json:"rpc_timeout"`
	SendTimeout    time.Duration `json:"send_timeout"`
	EgressBuffer   int           `json:"egress_buffer"`
	SendSemaphore  int           `json:"send_semaphore"`
	Version        string        `json:"version"`
}

type WorkerConfig struct {
	Host            string `json:"host"`
	Port            string `json:"port"`
	RPCSecret       string `json:"rpc_secret"`
	GatewayEndpoint string `json:"gateway_endpoint"`
	MapsDir         string `json:"maps_dir"`
	DefaultMap      string `json:"default_map"`
	MaxRooms        int    `json:"max_rooms"`
}

type LoggingConfig struct {
	Level        string   `json:"level"`
	TraceModules []string `json:"trace_modules"`
	LogDir       string   `json:"log_dir"`
}

// WebSocketConfig contains WebSocket-specific configuration
type WebSocketConfig struct {
	WriteTimeout    time.Duration `json:"write_timeout"`
	PongTimeout     time.Duration `json:"pong_timeout"`
	PingPeriod      time.Duration `json:"ping_period"`
	MaxMessageSize  int64         `json:"max_message_size"`
	ReadBufferSize  int           `json:"read_buffer_size"`
	WriteBufferSize int           `json:"write_buffer_size"`
}

// SimulationConfig contains fixed-tick simulation configuration
type SimulationConfig struct {
	TickRate        int     `json:"tick_rate"`          // Ticks per second
	Gravity         float64 `json:"gravity"`            // Y acceleration, units/s^2
	Friction        float64 `json:"friction"`           // Horizontal damping on contact
	InputBufferCap  int     `json:"input_buffer_cap"`   // Buffered inputs per player
	MaxInputsPerSec int     `json:"max_inputs_per_sec"` // Validator rate cap per player
}

// SnapshotConfig contains snapshot encoding configuration
type SnapshotConfig struct {
	FullInterval       int     `json:"full_interval"`         // Ticks between forced full snapshots
	AOIRadius          float64 `json:"aoi_radius"`            // View radius in world units
	AOIHysteresis      float64 `json:"aoi_hysteresis"`        // Hysteresis band beyond the radius
	DeltaChainMaxBytes int     `json:"delta_chain_max_bytes"` // Delta chain budget before forced full
}

// StateSyncConfig contains tick history and reconciliation configuration
type StateSyncConfig struct {
	HistorySize        int           `json:"history_size"`
	DivergenceLimit    float64       `json:"divergence_limit"`
	StaleTicks         uint64        `json:"stale_ticks"`
	MeanErrorLimit     float64       `json:"mean_error_limit"`
	ClientStateTimeout time.Duration `json:"client_state_timeout"`
	ReconcileBudget    time.Duration `json:"reconcile_budget"`
}

// PredictionConfig contains latency compensation configuration
type PredictionConfig struct {
	BaseCompensationMs uint64  `json:"base_compensation_ms"`
	MinCompensationMs  uint64  `json:"min_compensation_ms"`
	MaxCompensationMs  uint64  `json:"max_compensation_ms"`
	SmoothingFactor    float64 `json:"smoothing_factor"`
	MaxPredictionSteps int     `json:"max_prediction_steps"`
}

// RoomsConfig contains room lifecycle configuration
type RoomsConfig struct {
	StartCountdown  time.Duration `json:"start_countdown"`
	ClosedGrace     time.Duration `json:"closed_grace"`
	FinishedIdleMax time.Duration `json:"finished_idle_max"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	DefaultMax      int           `json:"default_max"`
}

// RateLimitConfig contains the dual-window admission control tuples
type RateLimitConfig struct {
	Shards    int                      `json:"shards"`
	Endpoints map[string]EndpointLimit `json:"endpoints"`
	Default   EndpointLimit            `json:"default"`
}

// EndpointLimit is one endpoint's burst + sustained tuple
type EndpointLimit struct {
	BurstCapacity int           `json:"burst_capacity"` // Token bucket capacity C
	RefillRate    float64       `json:"refill_rate"`    // Tokens per second R
	Window        time.Duration `json:"window"`         // Sliding window W
	WindowMax     int           `json:"window_max"`     // Max requests M in W
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	MonitoringWindow time.Duration `json:"monitoring_window"`
}

// AuthConfig contains JWT and session configuration
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	TokenLifetime time.Duration `json:"token_lifetime"`
	BlacklistTTL  time.Duration `json:"blacklist_ttl"`
}

// DatabaseConfig contains the record-store collaborator connection settings
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// Global configuration instance - Single Source of Truth
var Config *Arena1Config

// Initialize loads configuration from all sources with proper priority
func Initialize() error {
	config := &Arena1Config{}

	// Load defaults first
	config.loadDefaults()

	// Load .env file if it exists
	config.loadEnvFile()

	// Override with environment variables
	config.loadEnvironmentVariables()

	// Override with command line flags (highest priority)
	config.loadFlags()

	// Validate
	if err := config.validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %v", err)
	}

	// Set global configuration
	Config = config
	return nil
}

// loadDefaults sets sensible default values
func (c *Arena1Config) loadDefaults() {
	// Gateway defaults
	c.Gateway.Host = "0.0.0.0"
	c.Gateway.Port = "8080"
	c.Gateway.WorkerEndpoint = "http://127.0.0.1:9090"
	c.Gateway.WorkerSecret = ""
	c.Gateway.RPCTimeout = 500 * time.Millisecond
	c.Gateway.SendTimeout = 50 * time.Millisecond
	c.Gateway.EgressBuffer = 1024
	c.Gateway.SendSemaphore = 4
	c.Gateway.Version = "v1.2.0"

	// Worker defaults
	c.Worker.Host = "0.0.0.0"
	c.Worker.Port = "9090"
	c.Worker.RPCSecret = ""
	c.Worker.GatewayEndpoint = "http://127.0.0.1:8080"
	c.Worker.MapsDir = "share/maps"
	c.Worker.DefaultMap = "arena_small"
	c.Worker.MaxRooms = 256

	// Logging defaults
	c.Logging.Level = "INFO"
	c.Logging.TraceModules = []string{}
	c.Logging.LogDir = "build/logs"

	// WebSocket defaults
	c.WebSocket.WriteTimeout = 10 * time.Second
	c.WebSocket.PongTimeout = 60 * time.Second
	c.WebSocket.PingPeriod = 54 * time.Second // (60 * 9) / 10
	c.WebSocket.MaxMessageSize = 65536
	c.WebSocket.ReadBufferSize = 4096
	c.WebSocket.WriteBufferSize = 4096

	// Simulation defaults
	c.Simulation.TickRate = 60
	c.Simulation.Gravity = -9.81
	c.Simulation.Friction = 0.9
	c.Simulation.InputBufferCap = 120
	c.Simulation.MaxInputsPerSec = 120

	// Snapshot defaults
	c.Snapshot.FullInterval = 60
	c.Snapshot.AOIRadius = 50.0
	c.Snapshot.AOIHysteresis = 10.0
	c.Snapshot.DeltaChainMaxBytes = 65536

	// State sync defaults
	c.StateSync.HistorySize = 100
	c.StateSync.DivergenceLimit = 1.0
	c.StateSync.StaleTicks = 10
	c.StateSync.MeanErrorLimit = 0.5
	c.StateSync.ClientStateTimeout = 60 * time.Second
	c.StateSync.ReconcileBudget = 10 * time.Millisecond

	// Prediction defaults
	c.Prediction.BaseCompensationMs = 50
	c.Prediction.MinCompensationMs = 10
	c.Prediction.MaxCompensationMs = 200
	c.Prediction.SmoothingFactor = 0.3
	c.Prediction.MaxPredictionSteps = 10

	// Rooms defaults
	c.Rooms.StartCountdown = 3 * time.Second
	c.Rooms.ClosedGrace = 60 * time.Second
	c.Rooms.FinishedIdleMax = 5 * time.Minute
	c.Rooms.CleanupInterval = 30 * time.Second
	c.Rooms.DefaultMax = 8

	// Rate limit defaults - per-endpoint tuples tuned for real-time traffic
	c.RateLimit.Shards = 32
	c.RateLimit.Endpoints = map[string]EndpointLimit{
		"/api/game/input": {
			BurstCapacity: 200,
			RefillRate:    166.67, // ~10000 per minute
			Window:        6 * time.Second,
			WindowMax:     1000,
		},
		"/api/rooms": {
			BurstCapacity: 20,
			RefillRate:    5.0,
			Window:        60 * time.Second,
			WindowMax:     100,
		},
		"/api/rooms/join": {
			BurstCapacity: 30,
			RefillRate:    8.0,
			Window:        60 * time.Second,
			WindowMax:     150,
		},
	}
	c.RateLimit.Default = EndpointLimit{
		BurstCapacity: 100,
		RefillRate:    10.0,
		Window:        60 * time.Second,
		WindowMax:     600,
	}

	// Circuit breaker defaults
	c.Breaker.FailureThreshold = 5
	c.Breaker.RecoveryTimeout = 30 * time.Second
	c.Breaker.HalfOpenMaxCalls = 3
	c.Breaker.MonitoringWindow = 60 * time.Second

	// Auth defaults
	c.Auth.JWTSecret = ""
	c.Auth.TokenLifetime = 24 * time.Hour
	c.Auth.BlacklistTTL = 24 * time.Hour

	// Database defaults - disabled unless a host is configured
	c.Database.Enabled = false
	c.Database.Host = "localhost"
	c.Database.Port = "5432"
	c.Database.User = "arena1"
	c.Database.Password = "arena1"
	c.Database.Name = "arena1"
	c.Database.SSLMode = "disable"
}

// loadEnvFile reads configuration from .env file if it exists
func (c *Arena1Config) loadEnvFile() {
	envFile := ".env"
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return // .env file doesn't exist, skip
	}

	file, err := os.Open(envFile)
	if err != nil {
		return // Can't open .env file, skip
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE format
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		value = strings.Trim(value, "\"'")

		// Set environment variable (only if not already set)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// loadEnvironmentVariables reads configuration from environment
func (c *Arena1Config) loadEnvironmentVariables() {
	// Gateway configuration
	if host := os.Getenv("ARENA1_GATEWAY_HOST"); host != "" {
		c.Gateway.Host = host
	}
	if port := os.Getenv("ARENA1_GATEWAY_PORT"); port != "" {
		c.Gateway.Port = port
	}
	if endpoint := os.Getenv("ARENA1_WORKER_ENDPOINT"); endpoint != "" {
		c.Gateway.WorkerEndpoint = endpoint
	}
	if secret := os.Getenv("ARENA1_WORKER_SECRET"); secret != "" {
		c.Gateway.WorkerSecret = secret
		c.Worker.RPCSecret = secret
	}
	if timeout := os.Getenv("ARENA1_RPC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Gateway.RPCTimeout = d
		}
	}
	if timeout := os.Getenv("ARENA1_SEND_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Gateway.SendTimeout = d
		}
	}
	if buffer := os.Getenv("ARENA1_EGRESS_BUFFER"); buffer != "" {
		if n, err := strconv.Atoi(buffer); err == nil && n > 0 {
			c.Gateway.EgressBuffer = n
		}
	}
	if sem := os.Getenv("ARENA1_SEND_SEMAPHORE"); sem != "" {
		if n, err := strconv.Atoi(sem); err == nil && n > 0 {
			c.Gateway.SendSemaphore = n
		}
	}
	if version := os.Getenv("ARENA1_VERSION"); version != "" {
		c.Gateway.Version = version
	}

	// Worker configuration
	if host := os.Getenv("ARENA1_WORKER_HOST"); host != "" {
		c.Worker.Host = host
	}
	if port := os.Getenv("ARENA1_WORKER_PORT"); port != "" {
		c.Worker.Port = port
	}
	if endpoint := os.Getenv("ARENA1_GATEWAY_ENDPOINT"); endpoint != "" {
		c.Worker.GatewayEndpoint = endpoint
	}
	if dir := os.Getenv("ARENA1_MAPS_DIR"); dir != "" {
		c.Worker.MapsDir = dir
	}
	if name := os.Getenv("ARENA1_DEFAULT_MAP"); name != "" {
		c.Worker.DefaultMap = name
	}
	if max := os.Getenv("ARENA1_MAX_ROOMS"); max != "" {
		if n, err := strconv.Atoi(max); err == nil && n > 0 {
			c.Worker.MaxRooms = n
		}
	}

	// Logging configuration
	if level := os.Getenv("ARENA1_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if modules := os.Getenv("ARENA1_TRACE_MODULES"); modules != "" {
		c.Logging.TraceModules = strings.Split(modules, ",")
	}
	if logDir := os.Getenv("ARENA1_LOG_DIR"); logDir != "" {
		c.Logging.LogDir = logDir
	}

	// WebSocket configuration
	if writeTimeout := os.Getenv("ARENA1_WS_WRITE_TIMEOUT"); writeTimeout != "" {
		if timeout, err := time.ParseDuration(writeTimeout); err == nil {
			c.WebSocket.WriteTimeout = timeout
		}
	}
	if pongTimeout := os.Getenv("ARENA1_WS_PONG_TIMEOUT"); pongTimeout != "" {
		if timeout, err := time.ParseDuration(pongTimeout); err == nil {
			c.WebSocket.PongTimeout = timeout
		}
	}
	if pingPeriod := os.Getenv("ARENA1_WS_PING_PERIOD"); pingPeriod != "" {
		if period, err := time.ParseDuration(pingPeriod); err == nil {
			c.WebSocket.PingPeriod = period
		}
	}
	if maxMessageSize := os.Getenv("ARENA1_WS_MAX_MESSAGE_SIZE"); maxMessageSize != "" {
		if size, err := strconv.ParseInt(maxMessageSize, 10, 64); err == nil {
			c.WebSocket.MaxMessageSize = size
		}
	}
	if readBufferSize := os.Getenv("ARENA1_WS_READ_BUFFER_SIZE"); readBufferSize != "" {
		if size, err := strconv.Atoi(readBufferSize); err == nil {
			c.WebSocket.ReadBufferSize = size
		}
	}
	if writeBufferSize := os.Getenv("ARENA1_WS_WRITE_BUFFER_SIZE"); writeBufferSize != "" {
		if size, err := strconv.Atoi(writeBufferSize); err == nil {
			c.WebSocket.WriteBufferSize = size
		}
	}

	// Simulation configuration
	if rate := os.Getenv("ARENA1_TICK_RATE"); rate != "" {
		if n, err := strconv.Atoi(rate); err == nil && n > 0 {
			c.Simulation.TickRate = n
		}
	}
	if gravity := os.Getenv("ARENA1_GRAVITY"); gravity != "" {
		if g, err := strconv.ParseFloat(gravity, 64); err == nil {
			c.Simulation.Gravity = g
		}
	}
	if friction := os.Getenv("ARENA1_FRICTION"); friction != "" {
		if f, err := strconv.ParseFloat(friction, 64); err == nil {
			c.Simulation.Friction = f
		}
	}
	if bufCap := os.Getenv("ARENA1_INPUT_BUFFER_CAP"); bufCap != "" {
		if n, err := strconv.Atoi(bufCap); err == nil && n > 0 {
			c.Simulation.InputBufferCap = n
		}
	}
	if rate := os.Getenv("ARENA1_MAX_INPUTS_PER_SEC"); rate != "" {
		if n, err := strconv.Atoi(rate); err == nil && n > 0 {
			c.Simulation.MaxInputsPerSec = n
		}
	}

	// Snapshot configuration
	if interval := os.Getenv("ARENA1_FULL_INTERVAL"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			c.Snapshot.FullInterval = n
		}
	}
	if radius := os.Getenv("ARENA1_AOI_RADIUS"); radius != "" {
		if r, err := strconv.ParseFloat(radius, 64); err == nil && r > 0 {
			c.Snapshot.AOIRadius = r
		}
	}
	if hysteresis := os.Getenv("ARENA1_AOI_HYSTERESIS"); hysteresis != "" {
		if h, err := strconv.ParseFloat(hysteresis, 64); err == nil && h >= 0 {
			c.Snapshot.AOIHysteresis = h
		}
	}
	if budget := os.Getenv("ARENA1_DELTA_CHAIN_MAX_BYTES"); budget != "" {
		if n, err := strconv.Atoi(budget); err == nil && n > 0 {
			c.Snapshot.DeltaChainMaxBytes = n
		}
	}

	// State sync configuration
	if size := os.Getenv("ARENA1_HISTORY_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			c.StateSync.HistorySize = n
		}
	}
	if timeout := os.Getenv("ARENA1_CLIENT_STATE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.StateSync.ClientStateTimeout = d
		}
	}

	// Rooms configuration
	if countdown := os.Getenv("ARENA1_START_COUNTDOWN"); countdown != "" {
		if d, err := time.ParseDuration(countdown); err == nil {
			c.Rooms.StartCountdown = d
		}
	}
	if grace := os.Getenv("ARENA1_CLOSED_GRACE"); grace != "" {
		if d, err := time.ParseDuration(grace); err == nil {
			c.Rooms.ClosedGrace = d
		}
	}
	if idle := os.Getenv("ARENA1_FINISHED_IDLE_MAX"); idle != "" {
		if d, err := time.ParseDuration(idle); err == nil {
			c.Rooms.FinishedIdleMax = d
		}
	}
	if interval := os.Getenv("ARENA1_CLEANUP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Rooms.CleanupInterval = d
		}
	}

	// Rate limit configuration - per-endpoint overrides
	c.loadRateLimitOverride("/api/game/input", "GAME_INPUT")
	c.loadRateLimitOverride("/api/rooms", "ROOMS_CREATE")
	c.loadRateLimitOverride("/api/rooms/join", "ROOMS_JOIN")
	if shards := os.Getenv("ARENA1_RATE_LIMIT_SHARDS"); shards != "" {
		if n, err := strconv.Atoi(shards); err == nil && n > 0 {
			c.RateLimit.Shards = n
		}
	}

	// Circuit breaker configuration
	if threshold := os.Getenv("ARENA1_BREAKER_FAILURE_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil && n > 0 {
			c.Breaker.FailureThreshold = n
		}
	}
	if timeout := os.Getenv("ARENA1_BREAKER_RECOVERY_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Breaker.RecoveryTimeout = d
		}
	}
	if calls := os.Getenv("ARENA1_BREAKER_HALF_OPEN_MAX_CALLS"); calls != "" {
		if n, err := strconv.Atoi(calls); err == nil && n > 0 {
			c.Breaker.HalfOpenMaxCalls = n
		}
	}

	// Auth configuration
	if secret := os.Getenv("ARENA1_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if lifetime := os.Getenv("ARENA1_TOKEN_LIFETIME"); lifetime != "" {
		if d, err := time.ParseDuration(lifetime); err == nil {
			c.Auth.TokenLifetime = d
		}
	}

	// Database configuration
	if host := os.Getenv("ARENA1_DB_HOST"); host != "" {
		c.Database.Host = host
		c.Database.Enabled = true
	}
	if port := os.Getenv("ARENA1_DB_PORT"); port != "" {
		c.Database.Port = port
	}
	if user := os.Getenv("ARENA1_DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("ARENA1_DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if name := os.Getenv("ARENA1_DB_NAME"); name != "" {
		c.Database.Name = name
	}
	if sslMode := os.Getenv("ARENA1_DB_SSL_MODE"); sslMode != "" {
		c.Database.SSLMode = sslMode
	}
}

// loadRateLimitOverride applies ARENA1_RATE_LIMIT_<NAME>_* environment
// overrides to one endpoint tuple
func (c *Arena1Config) loadRateLimitOverride(endpoint, name string) {
	limit, ok := c.RateLimit.Endpoints[endpoint]
	if !ok {
		limit = c.RateLimit.Default
	}
	prefix := "ARENA1_RATE_LIMIT_" + name
	if burst := os.Getenv(prefix + "_BURST"); burst != "" {
		if n, err := strconv.Atoi(burst); err == nil && n > 0 {
			limit.BurstCapacity = n
		}
	}
	if rate := os.Getenv(prefix + "_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil && r > 0 {
			limit.RefillRate = r
		}
	}
	if window := os.Getenv(prefix + "_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil && d > 0 {
			limit.Window = d
		}
	}
	if max := os.Getenv(prefix + "_MAX"); max != "" {
		if n, err := strconv.Atoi(max); err == nil && n > 0 {
			limit.WindowMax = n
		}
	}
	c.RateLimit.Endpoints[endpoint] = limit
}

// Command line flags are registered once; repeated Initialize calls (tests,
// embedded use) must not redefine them
var (
	flagsOnce      sync.Once
	host           *string
	port           *string
	workerEndpoint *string
	logLevel       *string
	logDir         *string
	mapsDir        *string
)

// loadFlags processes command line flags (highest priority)
func (c *Arena1Config) loadFlags() {
	flagsOnce.Do(func() {
		host = flag.String("host", "", "Host to bind to")
		port = flag.String("port", "", "Port to bind to")
		workerEndpoint = flag.String("worker-endpoint", "", "Worker RPC endpoint")
		logLevel = flag.String("log-level", "", "Log level (TRACE|DEBUG|INFO|WARN|ERROR|FATAL)")
		logDir = flag.String("log-dir", "", "Log directory")
		mapsDir = flag.String("maps-dir", "", "Map configuration directory")
	})

	if !flag.Parsed() {
		flag.Parse()
	}

	if *host != "" {
		c.Gateway.Host = *host
		c.Worker.Host = *host
	}
	if *port != "" {
		c.Gateway.Port = *port
		c.Worker.Port = *port
	}
	if *workerEndpoint != "" {
		c.Gateway.WorkerEndpoint = *workerEndpoint
	}
	if *logLevel != "" {
		c.Logging.Level = *logLevel
	}
	if *logDir != "" {
		c.Logging.LogDir = *logDir
	}
	if *mapsDir != "" {
		c.Worker.MapsDir = *mapsDir
	}
}

// validate checks configuration consistency
func (c *Arena1Config) validate() error {
	if c.Simulation.TickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %d", c.Simulation.TickRate)
	}
	if c.Snapshot.FullInterval <= 0 {
		return fmt.Errorf("full snapshot interval must be positive, got %d", c.Snapshot.FullInterval)
	}
	if c.StateSync.HistorySize < int(c.StateSync.StaleTicks) {
		return fmt.Errorf("history size %d smaller than stale tick window %d",
			c.StateSync.HistorySize, c.StateSync.StaleTicks)
	}
	if c.Snapshot.AOIRadius <= 0 {
		return fmt.Errorf("AOI radius must be positive, got %f", c.Snapshot.AOIRadius)
	}
	if c.Prediction.MinCompensationMs > c.Prediction.MaxCompensationMs {
		return fmt.Errorf("prediction compensation bounds inverted: min %d > max %d",
			c.Prediction.MinCompensationMs, c.Prediction.MaxCompensationMs)
	}
	for endpoint, limit := range c.RateLimit.Endpoints {
		if limit.BurstCapacity <= 0 || limit.RefillRate <= 0 || limit.WindowMax <= 0 {
			return fmt.Errorf("invalid rate limit tuple for %s", endpoint)
		}
	}
	return nil
}

// Typed getters - mirror the global Config instance

func GetGatewayHost() string {
	if Config == nil {
		return "0.0.0.0"
	}
	return Config.Gateway.Host
}

func GetGatewayPort() string {
	if Config == nil {
		return "8080"
	}
	return Config.Gateway.Port
}

func GetWorkerEndpoint() string {
	if Config == nil {
		return "http://127.0.0.1:9090"
	}
	return Config.Gateway.WorkerEndpoint
}

func GetWorkerSecret() string {
	if Config == nil {
		return ""
	}
	return Config.Gateway.WorkerSecret
}

func GetRPCTimeout() time.Duration {
	if Config == nil {
		return 500 * time.Millisecond
	}
	return Config.Gateway.RPCTimeout
}

func GetSendTimeout() time.Duration {
	if Config == nil {
		return 50 * time.Millisecond
	}
	return Config.Gateway.SendTimeout
}

func GetEgressBuffer() int {
	if Config == nil {
		return 1024
	}
	return Config.Gateway.EgressBuffer
}

func GetSendSemaphore() int {
	if Config == nil {
		return 4
	}
	return Config.Gateway.SendSemaphore
}

func GetVersion() string {
	if Config == nil {
		return "dev"
	}
	return Config.Gateway.Version
}

func GetWorkerHost() string {
	if Config == nil {
		return "0.0.0.0"
	}
	return Config.Worker.Host
}

func GetWorkerPort() string {
	if Config == nil {
		return "9090"
	}
	return Config.Worker.Port
}

func GetGatewayEndpoint() string {
	if Config == nil {
		return "http://127.0.0.1:8080"
	}
	return Config.Worker.GatewayEndpoint
}

func GetMapsDir() string {
	if Config == nil {
		return "share/maps"
	}
	return Config.Worker.MapsDir
}

func GetDefaultMap() string {
	if Config == nil {
		return "arena_small"
	}
	return Config.Worker.DefaultMap
}

func GetMaxRooms() int {
	if Config == nil {
		return 256
	}
	return Config.Worker.MaxRooms
}

func GetWebSocketWriteTimeout() time.Duration {
	if Config == nil {
		return 10 * time.Second
	}
	return Config.WebSocket.WriteTimeout
}

func GetWebSocketPongTimeout() time.Duration {
	if Config == nil {
		return 60 * time.Second
	}
	return Config.WebSocket.PongTimeout
}

func GetWebSocketPingPeriod() time.Duration {
	if Config == nil {
		return 54 * time.Second
	}
	return Config.WebSocket.PingPeriod
}

func GetWebSocketMaxMessageSize() int64 {
	if Config == nil {
		return 65536
	}
	return Config.WebSocket.MaxMessageSize
}

func GetWebSocketReadBufferSize() int {
	if Config == nil {
		return 4096
	}
	return Config.WebSocket.ReadBufferSize
}

func GetWebSocketWriteBufferSize() int {
	if Config == nil {
		return 4096
	}
	return Config.WebSocket.WriteBufferSize
}

func GetTickRate() int {
	if Config == nil {
		return 60
	}
	return Config.Simulation.TickRate
}

func GetGravity() float64 {
	if Config == nil {
		return -9.81
	}
	return Config.Simulation.Gravity
}

func GetFriction() float64 {
	if Config == nil {
		return 0.9
	}
	return Config.Simulation.Friction
}

func GetInputBufferCap() int {
	if Config == nil {
		return 120
	}
	return Config.Simulation.InputBufferCap
}

func GetMaxInputsPerSec() int {
	if Config == nil {
		return 120
	}
	return Config.Simulation.MaxInputsPerSec
}

func GetFullInterval() int {
	if Config == nil {
		return 60
	}
	return Config.Snapshot.FullInterval
}

func GetAOIRadius() float64 {
	if Config == nil {
		return 50.0
	}
	return Config.Snapshot.AOIRadius
}

func GetAOIHysteresis() float64 {
	if Config == nil {
		return 10.0
	}
	return Config.Snapshot.AOIHysteresis
}

func GetDeltaChainMaxBytes() int {
	if Config == nil {
		return 65536
	}
	return Config.Snapshot.DeltaChainMaxBytes
}

func GetHistorySize() int {
	if Config == nil {
		return 100
	}
	return Config.StateSync.HistorySize
}

func GetDivergenceLimit() float64 {
	if Config == nil {
		return 1.0
	}
	return Config.StateSync.DivergenceLimit
}

func GetStaleTicks() uint64 {
	if Config == nil {
		return 10
	}
	return Config.StateSync.StaleTicks
}

func GetMeanErrorLimit() float64 {
	if Config == nil {
		return 0.5
	}
	return Config.StateSync.MeanErrorLimit
}

func GetClientStateTimeout() time.Duration {
	if Config == nil {
		return 60 * time.Second
	}
	return Config.StateSync.ClientStateTimeout
}

func GetReconcileBudget() time.Duration {
	if Config == nil {
		return 10 * time.Millisecond
	}
	return Config.StateSync.ReconcileBudget
}

func GetBaseCompensationMs() uint64 {
	if Config == nil {
		return 50
	}
	return Config.Prediction.BaseCompensationMs
}

func GetMinCompensationMs() uint64 {
	if Config == nil {
		return 10
	}
	return Config.Prediction.MinCompensationMs
}

func GetMaxCompensationMs() uint64 {
	if Config == nil {
		return 200
	}
	return Config.Prediction.MaxCompensationMs
}

func GetSmoothingFactor() float64 {
	if Config == nil {
		return 0.3
	}
	return Config.Prediction.SmoothingFactor
}

func GetMaxPredictionSteps() int {
	if Config == nil {
		return 10
	}
	return Config.Prediction.MaxPredictionSteps
}

func GetStartCountdown() time.Duration {
	if Config == nil {
		return 3 * time.Second
	}
	return Config.Rooms.StartCountdown
}

func GetClosedGrace() time.Duration {
	if Config == nil {
		return 60 * time.Second
	}
	return Config.Rooms.ClosedGrace
}

func GetFinishedIdleMax() time.Duration {
	if Config == nil {
		return 5 * time.Minute
	}
	return Config.Rooms.FinishedIdleMax
}

func GetCleanupInterval() time.Duration {
	if Config == nil {
		return 30 * time.Second
	}
	return Config.Rooms.CleanupInterval
}

func GetDefaultMaxPlayers() int {
	if Config == nil {
		return 8
	}
	return Config.Rooms.DefaultMax
}

func GetRateLimitShards() int {
	if Config == nil {
		return 32
	}
	return Config.RateLimit.Shards
}

// GetEndpointLimit returns the rate-limit tuple for an endpoint,
// falling back to the default tuple for unlisted endpoints
func GetEndpointLimit(endpoint string) EndpointLimit {
	if Config == nil {
		return EndpointLimit{BurstCapacity: 100, RefillRate: 10.0, Window: 60 * time.Second, WindowMax: 600}
	}
	if limit, ok := Config.RateLimit.Endpoints[endpoint]; ok {
		return limit
	}
	return Config.RateLimit.Default
}

func GetBreakerFailureThreshold() int {
	if Config == nil {
		return 5
	}
	return Config.Breaker.FailureThreshold
}

func GetBreakerRecoveryTimeout() time.Duration {
	if Config == nil {
		return 30 * time.Second
	}
	return Config.Breaker.RecoveryTimeout
}

func GetBreakerHalfOpenMaxCalls() int {
	if Config == nil {
		return 3
	}
	return Config.Breaker.HalfOpenMaxCalls
}

func GetBreakerMonitoringWindow() time.Duration {
	if Config == nil {
		return 60 * time.Second
	}
	return Config.Breaker.MonitoringWindow
}

func GetJWTSecret() string {
	if Config == nil {
		return ""
	}
	return Config.Auth.JWTSecret
}

func GetTokenLifetime() time.Duration {
	if Config == nil {
		return 24 * time.Hour
	}
	return Config.Auth.TokenLifetime
}

func GetBlacklistTTL() time.Duration {
	if Config == nil {
		return 24 * time.Hour
	}
	return Config.Auth.BlacklistTTL
}

func GetDatabaseEnabled() bool {
	if Config == nil {
		return false
	}
	return Config.Database.Enabled
}

// GetDatabaseDSN assembles the lib/pq connection string
func GetDatabaseDSN() string {
	if Config == nil {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		Config.Database.Host, Config.Database.Port, Config.Database.User,
		Config.Database.Password, Config.Database.Name, Config.Database.SSLMode)
}
