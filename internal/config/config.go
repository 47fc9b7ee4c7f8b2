// Package config loads guard settings from a YAML file and GUARD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Credential sources.
const (
	CredentialsDemo     = "demo"
	CredentialsPostgres = "postgres"
	CredentialsRemote   = "remote"
)

type Server struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	LoginRate       float64       `yaml:"login_rate"`
	LoginBurst      int           `yaml:"login_burst"`
	SecureCookies   bool          `yaml:"secure_cookies"`
}

type Storage struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type Credentials struct {
	Source       string `yaml:"source"`
	RemoteURL    string `yaml:"remote_url"`
	RemoteAPIKey string `yaml:"remote_api_key"`
}

type Security struct {
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	CSRFTTL         time.Duration `yaml:"csrf_ttl"`
	MaxAttempts     int           `yaml:"max_attempts"`
	LockoutDuration time.Duration `yaml:"lockout_duration"`
	AuditCapacity   int           `yaml:"audit_capacity"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SnapshotSecret  string        `yaml:"snapshot_secret"`
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full process configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	Credentials Credentials `yaml:"credentials"`
	Security    Security    `yaml:"security"`
	Log         Log         `yaml:"log"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			LoginRate:       1,
			LoginBurst:      5,
		},
		Storage:     Storage{Driver: DriverMemory, SQLitePath: "guard.db"},
		Credentials: Credentials{Source: CredentialsDemo},
		Security: Security{
			SessionTimeout:  30 * time.Minute,
			CSRFTTL:         time.Hour,
			MaxAttempts:     5,
			LockoutDuration: 15 * time.Minute,
			AuditCapacity:   1000,
			SweepInterval:   time.Minute,
			SnapshotTTL:     5 * time.Minute,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads path over Default and then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"GUARD_LISTEN_ADDR":     &c.Server.Addr,
		"GUARD_GRPC_ADDR":       &c.Server.GRPCAddr,
		"GUARD_STORAGE_DRIVER":  &c.Storage.Driver,
		"GUARD_PG_DSN":          &c.Storage.DSN,
		"GUARD_SQLITE_PATH":     &c.Storage.SQLitePath,
		"GUARD_CREDENTIALS":     &c.Credentials.Source,
		"GUARD_REMOTE_URL":      &c.Credentials.RemoteURL,
		"GUARD_REMOTE_API_KEY":  &c.Credentials.RemoteAPIKey,
		"GUARD_SNAPSHOT_SECRET": &c.Security.SnapshotSecret,
		"GUARD_LOG_LEVEL":       &c.Log.Level,
		"GUARD_LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"GUARD_SESSION_TIMEOUT":  &c.Security.SessionTimeout,
		"GUARD_LOCKOUT_DURATION": &c.Security.LockoutDuration,
		"GUARD_SWEEP_INTERVAL":   &c.Security.SweepInterval,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("GUARD_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: GUARD_MAX_ATTEMPTS: %w", err)
		}
		c.Security.MaxAttempts = n
	}
	if v, ok := lookup("GUARD_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("GUARD_TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Credentials.Source {
	case CredentialsDemo:
	case CredentialsPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres credentials"))
		}
	case CredentialsRemote:
		if c.Credentials.RemoteURL == "" {
			errs = append(errs, errors.New("credentials.remote_url is required for remote credentials"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credentials source %q", c.Credentials.Source))
	}
	if c.Security.SessionTimeout <= 0 || c.Security.CSRFTTL <= 0 || c.Security.LockoutDuration <= 0 {
		errs = append(errs, errors.New("security timeouts must be positive"))
	}
	if c.Security.MaxAttempts < 1 {
		errs = append(errs, errors.New("security.max_attempts must be at least 1"))
	}
	if c.Security.AuditCapacity < 1 {
		errs = append(errs, errors.New("security.audit_capacity must be at least 1"))
	}
	if s := c.Security.SnapshotSecret; s != "" && len(s) < 32 {
		errs = append(errs, errors.New("security.snapshot_secret must be at least 32 bytes"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
