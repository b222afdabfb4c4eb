package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/artifacts"
	"github.com/dsyorkd/fleet-controller/internal/controller"
	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/health"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/internal/websocket"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FLEET_CONTROLLER_"

// Config holds the entire application configuration
type Config struct {
	// Application settings
	App AppConfig `yaml:"app"`

	// Database configuration
	Database storage.Config `yaml:"database"`

	// API server configuration
	API APIConfig `yaml:"api"`

	// Logging configuration
	Log logger.Config `yaml:"log"`

	// SSH transport used by the remote executor
	SSH executor.Config `yaml:"ssh"`

	// Command templates run on nodes
	Executor executor.Commands `yaml:"executor"`

	// Health probe settings
	Health health.Config `yaml:"health"`

	// Auto-scaling loop settings
	Controller controller.Config `yaml:"controller"`

	// Rollout settings
	Deployment services.DeploymentConfig `yaml:"deployment"`

	// Event fan-out settings
	Notify notify.Config `yaml:"notify"`

	// WebSocket hub settings
	WebSocket websocket.Config `yaml:"websocket"`

	// Credential vault
	Vault storage.VaultConfig `yaml:"vault"`

	// Object storage for payload artifacts
	Artifacts artifacts.Config `yaml:"artifacts"`

	// Discovery configuration
	Discovery discovery.Config `yaml:"discovery"`
}

// AppConfig contains general application settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	DataDir     string `yaml:"data_dir"`
	Debug       bool   `yaml:"debug"`
}

// APIConfig contains REST API server settings
type APIConfig struct {
	Host             string                     `yaml:"host"`
	Port             int                        `yaml:"port"`
	ReadTimeout      string                     `yaml:"read_timeout"`
	WriteTimeout     string                     `yaml:"write_timeout"`
	TLSCertFile      string                     `yaml:"tls_cert_file"`
	TLSKeyFile       string                     `yaml:"tls_key_file"`
	CORSEnabled      bool                       `yaml:"cors_enabled"`
	AuthEnabled      bool                       `yaml:"auth_enabled"`
	JWTSecret        string                     `yaml:"jwt_secret"`
	JWTIssuer        string                     `yaml:"jwt_issuer"`
	GzipEnabled      bool                       `yaml:"gzip_enabled"`
	RateLimitEnabled bool                       `yaml:"rate_limit_enabled"`
	RateLimit        middleware.RateLimitConfig `yaml:"rate_limit"`
}

// Load loads configuration from YAML file with defaults. A .env file in the
// working directory is applied first; variables already set win.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	// Start with defaults
	config := getDefaults()

	// Load config file if provided or found
	var configFile string
	if configPath != "" {
		configFile = configPath
	} else {
		searchPaths := []string{
			"./fleet-controller.yaml",
			"./config/fleet-controller.yaml",
			"/etc/fleet-controller/fleet-controller.yaml",
			filepath.Join(os.Getenv("HOME"), ".fleet-controller", "fleet-controller.yaml"),
		}

		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// validate validates the configuration and sets derived values
func (c *Config) validate() error {
	if c.App.DataDir != "" {
		if err := os.MkdirAll(c.App.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		c.Database.Path = c.inDataDir(c.Database.Path)
		c.Vault.Path = c.inDataDir(c.Vault.Path)
		c.Vault.KeyFile = c.inDataDir(c.Vault.KeyFile)
		c.Notify.JournalPath = c.inDataDir(c.Notify.JournalPath)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format '%s': must be json or text", c.Log.Format)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	if c.API.AuthEnabled && len(c.API.JWTSecret) < 32 {
		return fmt.Errorf("api.jwt_secret must be at least 32 characters when auth is enabled")
	}
	if c.API.RateLimitEnabled && c.API.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", c.API.RateLimit.RequestsPerMinute)
	}

	switch c.Database.Driver {
	case storage.DriverSQLite:
	case storage.DriverMySQL:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported database driver '%s'", c.Database.Driver)
	}

	if c.Controller.Interval <= 0 {
		return fmt.Errorf("invalid controller interval: %s", c.Controller.Interval)
	}
	if c.Controller.ProbeConcurrency < 1 {
		return fmt.Errorf("invalid controller probe concurrency: %d", c.Controller.ProbeConcurrency)
	}
	if c.Controller.StalenessWindow < 0 {
		return fmt.Errorf("invalid controller staleness window: %s", c.Controller.StalenessWindow)
	}
	switch c.Controller.ScaleDownPolicy {
	case controller.ScaleDownFirst, controller.ScaleDownLeastLoaded:
	default:
		return fmt.Errorf("invalid scale down policy '%s'", c.Controller.ScaleDownPolicy)
	}

	if c.Deployment.Parallelism < 1 {
		return fmt.Errorf("invalid deployment parallelism: %d", c.Deployment.Parallelism)
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("invalid health probe timeout: %s", c.Health.Timeout)
	}
	if c.Artifacts.Enabled && c.Artifacts.Endpoint == "" {
		return fmt.Errorf("artifacts.endpoint is required when artifacts are enabled")
	}

	return nil
}

func (c *Config) inDataDir(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.App.DataDir, path)
}

// getDefaults returns a Config struct with default values based on environment
func getDefaults() Config {
	env := os.Getenv(EnvPrefix + "ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}

	// Use secure production defaults unless explicitly set to development
	if env == "development" || env == "dev" {
		return getDevelopmentDefaults()
	}
	return getProductionDefaults()
}

// getDevelopmentDefaults returns development-friendly defaults (less secure, easier setup)
func getDevelopmentDefaults() Config {
	config := getProductionDefaults()

	config.App.Environment = "development"
	config.API.TLSCertFile = ""
	config.API.TLSKeyFile = ""
	config.API.AuthEnabled = false
	config.SSH.StrictHostKeyChecking = false
	config.SSH.KnownHostsFile = ""

	return config
}

// getProductionDefaults returns secure production defaults
func getProductionDefaults() Config {
	ssh := executor.DefaultConfig()
	ssh.StrictHostKeyChecking = true
	ssh.KnownHostsFile = "/etc/fleet-controller/known_hosts"

	return Config{
		App: AppConfig{
			Name:        "fleet-controller",
			Version:     "dev",
			Environment: "production",
			DataDir:     "./data",
		},
		Database: storage.Config{
			Driver:          storage.DriverSQLite,
			Path:            "fleet-controller.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
			LogLevel:        "warn",
		},
		API: APIConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      "30s",
			WriteTimeout:     "30s",
			TLSCertFile:      "/etc/fleet-controller/tls/server.crt",
			TLSKeyFile:       "/etc/fleet-controller/tls/server.key",
			CORSEnabled:      true,
			AuthEnabled:      true,
			JWTIssuer:        "fleet-controller",
			GzipEnabled:      true,
			RateLimitEnabled: true,
			RateLimit:        *middleware.DefaultRateLimitConfig(),
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		SSH:        ssh,
		Executor:   executor.DefaultCommands(),
		Health:     health.DefaultConfig(),
		Controller: controller.DefaultConfig(),
		Deployment: services.DeploymentConfig{Parallelism: 1},
		Notify: notify.Config{
			QueueSize:        256,
			DeliveryTimeout:  5 * time.Second,
			JournalPath:      "events.db",
			JournalMaxEvents: 10000,
			WebSocket:        true,
		},
		WebSocket: websocket.DefaultConfig(),
		Vault: storage.VaultConfig{
			Path:                 "credentials.db",
			KeyFile:              "credentials.key",
			KeyFromEnv:           EnvPrefix + "VAULT_KEY",
			PassphraseFromEnv:    EnvPrefix + "VAULT_PASSPHRASE",
			PBKDF2Iterations:     100000,
			GenerateKeyIfMissing: true,
		},
		Artifacts: artifacts.Config{
			Region:        "us-east-1",
			UseSSL:        true,
			DefaultBucket: "fleet-artifacts",
		},
		Discovery: *discovery.DefaultConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) error {
	str := func(name string, dst *string) {
		if env := os.Getenv(EnvPrefix + name); env != "" {
			*dst = env
		}
	}
	boolean := func(name string, dst *bool) error {
		env := os.Getenv(EnvPrefix + name)
		if env == "" {
			return nil
		}
		v, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = v
		return nil
	}
	integer := func(name string, dst *int) error {
		env := os.Getenv(EnvPrefix + name)
		if env == "" {
			return nil
		}
		v, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = v
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		env := os.Getenv(EnvPrefix + name)
		if env == "" {
			return nil
		}
		v, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = v
		return nil
	}

	str("API_HOST", &config.API.Host)
	str("LOG_LEVEL", &config.Log.Level)
	str("LOG_FORMAT", &config.Log.Format)
	str("DATA_DIR", &config.App.DataDir)
	str("DATABASE_DRIVER", &config.Database.Driver)
	str("DATABASE_DSN", &config.Database.DSN)
	str("JWT_SECRET", &config.API.JWTSecret)
	str("SSH_USER", &config.SSH.User)
	str("SSH_PRIVATE_KEY_PATH", &config.SSH.PrivateKeyPath)
	str("ARTIFACTS_ENDPOINT", &config.Artifacts.Endpoint)
	str("ARTIFACTS_ACCESS_KEY", &config.Artifacts.AccessKey)
	str("ARTIFACTS_SECRET_KEY", &config.Artifacts.SecretKey)
	str("SCALE_DOWN_POLICY", &config.Controller.ScaleDownPolicy)

	for _, err := range []error{
		integer("API_PORT", &config.API.Port),
		integer("DEPLOYMENT_PARALLELISM", &config.Deployment.Parallelism),
		boolean("DEBUG", &config.App.Debug),
		boolean("AUTH_ENABLED", &config.API.AuthEnabled),
		boolean("DISCOVERY_ENABLED", &config.Discovery.Enabled),
		boolean("ARTIFACTS_ENABLED", &config.Artifacts.Enabled),
		boolean("HEALTH_COMMAND_CHECK", &config.Health.CommandCheck),
		duration("CONTROLLER_INTERVAL", &config.Controller.Interval),
		duration("CONTROLLER_STALENESS_WINDOW", &config.Controller.StalenessWindow),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetAddress returns the formatted address for a service
func (c *APIConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsTLSEnabled returns true if TLS is configured for API
func (c *APIConfig) IsTLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
