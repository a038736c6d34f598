package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// PublicURL is the externally reachable base URL advertised to nodes.
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		// DevTokens exposes POST /api/v1/auth/token, which mints a token for
		// any user and role. Never enable it in production.
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`

	Signing struct {
		Secret string `yaml:"secret"`
	} `yaml:"signing"`

	Nodes struct {
		HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
		HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
		CommandTimeout      time.Duration `yaml:"command_timeout"`
		// RegistrationToken, when set, must accompany every registration.
		RegistrationToken string `yaml:"registration_token"`
		// Transport selects how commands reach nodes: "websocket" or "http".
		Transport    string        `yaml:"transport"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`

		StopRetry struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"stop_retry"`

		CircuitBreaker struct {
			Enabled      bool          `yaml:"enabled"`
			MaxFailures  int           `yaml:"max_failures"`
			ResetTimeout time.Duration `yaml:"reset_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"nodes"`

	Sessions struct {
		DefaultTTL          time.Duration `yaml:"default_ttl"`
		ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
		DefaultProfile      string        `yaml:"default_profile"`
		// Profiles maps a profile name to its maximum session lifetime.
		Profiles map[string]time.Duration `yaml:"profiles"`
	} `yaml:"sessions"`

	Cameras []CameraConfig `yaml:"cameras"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		RTPPortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"rtp_port_range"`
		// RTPHost is the address nodes push RTP to.
		RTPHost string `yaml:"rtp_host"`
		// RTPPortQuarantine holds a released RTP port before reuse.
		RTPPortQuarantine time.Duration `yaml:"rtp_port_quarantine"`
	} `yaml:"webrtc"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Retain    int           `yaml:"retain"`
	} `yaml:"backup"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		Environment    string  `yaml:"environment"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// CameraConfig is one entry of the static camera inventory.
type CameraConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	NodeID   string `yaml:"node_id"`
	RTSPURL  string `yaml:"rtsp_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Signing
	if len(c.Signing.Secret) < 16 {
		return fmt.Errorf("signing.secret must be at least 16 bytes")
	}

	// Nodes
	if c.Nodes.HeartbeatInterval <= 0 {
		return fmt.Errorf("nodes.heartbeat_interval must be > 0")
	}
	if c.Nodes.HeartbeatTimeout <= c.Nodes.HeartbeatInterval {
		return fmt.Errorf("nodes.heartbeat_timeout must be > nodes.heartbeat_interval")
	}
	if c.Nodes.HealthSweepInterval <= 0 {
		return fmt.Errorf("nodes.health_sweep_interval must be > 0")
	}
	if c.Nodes.CommandTimeout <= 0 {
		return fmt.Errorf("nodes.command_timeout must be > 0")
	}
	switch c.Nodes.Transport {
	case "websocket", "http":
	default:
		return fmt.Errorf("nodes.transport must be one of websocket, http")
	}
	if c.Nodes.Transport == "websocket" {
		if c.Nodes.PingInterval <= 0 {
			return fmt.Errorf("nodes.ping_interval must be > 0")
		}
		if c.Nodes.PongTimeout <= c.Nodes.PingInterval {
			return fmt.Errorf("nodes.pong_timeout must be > nodes.ping_interval")
		}
	}
	if c.Nodes.StopRetry.MaxAttempts < 1 {
		return fmt.Errorf("nodes.stop_retry.max_attempts must be >= 1")
	}
	if c.Nodes.StopRetry.InitialDelay < 0 || c.Nodes.StopRetry.MaxDelay < c.Nodes.StopRetry.InitialDelay {
		return fmt.Errorf("nodes.stop_retry delays must satisfy 0 <= initial_delay <= max_delay")
	}
	if c.Nodes.CircuitBreaker.Enabled {
		if c.Nodes.CircuitBreaker.MaxFailures <= 0 {
			return fmt.Errorf("nodes.circuit_breaker.max_failures must be > 0")
		}
		if c.Nodes.CircuitBreaker.ResetTimeout <= 0 {
			return fmt.Errorf("nodes.circuit_breaker.reset_timeout must be > 0")
		}
	}

	// Sessions
	if c.Sessions.DefaultTTL <= 0 {
		return fmt.Errorf("sessions.default_ttl must be > 0")
	}
	if c.Sessions.ExpirySweepInterval <= 0 {
		return fmt.Errorf("sessions.expiry_sweep_interval must be > 0")
	}
	if len(c.Sessions.Profiles) == 0 {
		return fmt.Errorf("sessions.profiles must not be empty")
	}
	for name, limit := range c.Sessions.Profiles {
		if limit <= 0 {
			return fmt.Errorf("sessions.profiles.%s must be > 0", name)
		}
	}
	if _, ok := c.Sessions.Profiles[c.Sessions.DefaultProfile]; !ok {
		return fmt.Errorf("sessions.default_profile %q is not a configured profile", c.Sessions.DefaultProfile)
	}

	// Cameras
	seen := make(map[string]struct{}, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" || cam.NodeID == "" || cam.RTSPURL == "" {
			return fmt.Errorf("cameras[%d]: id, node_id and rtsp_url are required", i)
		}
		if _, dup := seen[cam.ID]; dup {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID)
		}
		seen[cam.ID] = struct{}{}
	}

	// WebRTC
	if err := validatePortRange("webrtc.port_range", c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max); err != nil {
		return err
	}
	if err := validatePortRange("webrtc.rtp_port_range", c.WebRTC.RTPPortRange.Min, c.WebRTC.RTPPortRange.Max); err != nil {
		return err
	}
	if c.WebRTC.RTPPortQuarantine < 0 {
		return fmt.Errorf("webrtc.rtp_port_quarantine must be >= 0")
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0")
		}
		if c.Backup.Retain < 1 {
			return fmt.Errorf("backup.retain must be >= 1")
		}
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func validatePortRange(name string, min, max uint16) error {
	if min == 0 && max == 0 {
		return nil
	}
	if min == 0 || max == 0 {
		return fmt.Errorf("%s.min and max must both be set when one is set", name)
	}
	if min >= max {
		return fmt.Errorf("%s.min must be < max", name)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.PublicURL = "http://localhost:8080"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "vigilnet:"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Signing.Secret = "change-me-signing-secret"

	cfg.Nodes.HeartbeatInterval = 10 * time.Second
	cfg.Nodes.HeartbeatTimeout = 30 * time.Second
	cfg.Nodes.HealthSweepInterval = 5 * time.Second
	cfg.Nodes.CommandTimeout = 10 * time.Second
	cfg.Nodes.Transport = "websocket"
	cfg.Nodes.PingInterval = 15 * time.Second
	cfg.Nodes.PongTimeout = 45 * time.Second
	cfg.Nodes.StopRetry.MaxAttempts = 3
	cfg.Nodes.StopRetry.InitialDelay = 200 * time.Millisecond
	cfg.Nodes.StopRetry.MaxDelay = 2 * time.Second
	cfg.Nodes.CircuitBreaker.Enabled = true
	cfg.Nodes.CircuitBreaker.MaxFailures = 5
	cfg.Nodes.CircuitBreaker.ResetTimeout = 30 * time.Second

	cfg.Sessions.DefaultTTL = 30 * time.Minute
	cfg.Sessions.ExpirySweepInterval = 5 * time.Second
	cfg.Sessions.DefaultProfile = "hls"
	cfg.Sessions.Profiles = map[string]time.Duration{
		"hls":    30 * time.Minute,
		"webrtc": 15 * time.Minute,
		"low":    60 * time.Minute,
	}

	cfg.WebRTC.RTPPortRange.Min = 40000
	cfg.WebRTC.RTPPortRange.Max = 40999
	cfg.WebRTC.RTPHost = "127.0.0.1"
	cfg.WebRTC.RTPPortQuarantine = time.Minute

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "data/backups"
	cfg.Backup.Interval = 5 * time.Minute
	cfg.Backup.Retain = 12

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VIGILNET_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("VIGILNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VIGILNET_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("VIGILNET_SIGNING_SECRET"); secret != "" {
		c.Signing.Secret = secret
	}
	if token := os.Getenv("VIGILNET_REGISTRATION_TOKEN"); token != "" {
		c.Nodes.RegistrationToken = token
	}
	if addr := os.Getenv("VIGILNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
