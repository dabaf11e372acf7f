package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"
	"gopkg.in/yaml.v3"
)

// DefaultServerName is the name DATABASE_URL registers its server under.
const DefaultServerName = "default"

type Config struct {
	// Servers maps a server name to its go-mssqldb connection string.
	Servers     map[string]string
	ServersFile string // optional YAML inventory of named servers
	DatabaseURL string // optional single server registered as "default"

	// Query limits.
	MaxRows        int
	QueryTimeout   time.Duration
	MaxQueryLength int

	// Admission control.
	MaxConcurrentQueries int
	MaxQueriesPerMinute  int

	// Tools.
	EnableDBATools bool
	PolicyFile     string // optional path to policy YAML

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Connection pool, per server.
	PoolMaxConns        int           // default: 10
	PoolMaxIdleConns    int           // default: 2
	PoolMaxConnLifetime time.Duration // default: 30m

	// Observability.
	OTelEnabled bool // enable OpenTelemetry tracing and metrics

	// CLI-only fields (not settable via env vars).
	DryRun   bool
	AuditLog string // path to NDJSON audit log file
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	ServersFile          *string
	DatabaseURL          *string
	LogLevel             *string
	MaxRows              *int
	QueryTimeout         *time.Duration
	MaxQueryLength       *int
	MaxConcurrentQueries *int
	MaxQueriesPerMinute  *int
	EnableDBATools       *bool
	PolicyFile           *string
	Transport            *string
	HTTPAddr             *string
	HTTPBearerToken      *string
	OTelEnabled          bool
	DryRun               bool
	AuditLog             string

	// Connection pool overrides.
	PoolMaxConns        *int
	PoolMaxIdleConns    *int
	PoolMaxConnLifetime *time.Duration
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then loads the server inventory and validates the result. Every problem
// found is reported in the returned error, not just the first.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := loadServers(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		MaxRows:              1000,
		QueryTimeout:         30 * time.Second,
		MaxQueryLength:       1_000_000,
		MaxConcurrentQueries: 5,
		MaxQueriesPerMinute:  60,
		LogLevel:             slog.LevelInfo,
		Transport:            "stdio",
		HTTPAddr:             ":8080",
		PoolMaxConns:         10,
		PoolMaxIdleConns:     2,
		PoolMaxConnLifetime:  30 * time.Minute,
	}
}

// envReader reads typed environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (r *envReader) string(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s value %q: must be an integer", key, v))
		return
	}
	*dst = n
}

func (r *envReader) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return
	}
	*dst = d
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	r := &envReader{}

	r.string("SERVERS_FILE", &cfg.ServersFile)
	r.string("DATABASE_URL", &cfg.DatabaseURL)

	r.int("MAX_ROWS", &cfg.MaxRows)
	r.duration("QUERY_TIMEOUT", &cfg.QueryTimeout)
	r.int("MAX_QUERY_LENGTH", &cfg.MaxQueryLength)
	r.int("MAX_CONCURRENT_QUERIES", &cfg.MaxConcurrentQueries)
	r.int("MAX_QUERIES_PER_MINUTE", &cfg.MaxQueriesPerMinute)

	r.bool("ENABLE_DBA_TOOLS", &cfg.EnableDBATools)
	r.string("POLICY_FILE", &cfg.PolicyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			r.errs = append(r.errs, err)
		} else {
			cfg.LogLevel = level
		}
	}

	r.string("TRANSPORT", &cfg.Transport)
	r.string("HTTP_ADDR", &cfg.HTTPAddr)
	r.string("HTTP_BEARER_TOKEN", &cfg.HTTPBearerToken)
	r.bool("OTEL_ENABLED", &cfg.OTelEnabled)

	r.int("POOL_MAX_CONNS", &cfg.PoolMaxConns)
	r.int("POOL_MAX_IDLE_CONNS", &cfg.PoolMaxIdleConns)
	r.duration("POOL_MAX_CONN_LIFETIME", &cfg.PoolMaxConnLifetime)

	return errors.Join(r.errs...)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	setIf(&cfg.ServersFile, o.ServersFile)
	setIf(&cfg.DatabaseURL, o.DatabaseURL)
	setIf(&cfg.MaxRows, o.MaxRows)
	setIf(&cfg.QueryTimeout, o.QueryTimeout)
	setIf(&cfg.MaxQueryLength, o.MaxQueryLength)
	setIf(&cfg.MaxConcurrentQueries, o.MaxConcurrentQueries)
	setIf(&cfg.MaxQueriesPerMinute, o.MaxQueriesPerMinute)
	setIf(&cfg.EnableDBATools, o.EnableDBATools)
	setIf(&cfg.PolicyFile, o.PolicyFile)
	setIf(&cfg.Transport, o.Transport)
	setIf(&cfg.HTTPAddr, o.HTTPAddr)
	setIf(&cfg.HTTPBearerToken, o.HTTPBearerToken)
	setIf(&cfg.PoolMaxConns, o.PoolMaxConns)
	setIf(&cfg.PoolMaxIdleConns, o.PoolMaxIdleConns)
	setIf(&cfg.PoolMaxConnLifetime, o.PoolMaxConnLifetime)

	cfg.DryRun = o.DryRun
	cfg.AuditLog = o.AuditLog
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// serversFile is the on-disk shape of SERVERS_FILE.
type serversFile struct {
	Servers map[string]struct {
		ConnectionString string `yaml:"connection_string"`
	} `yaml:"servers"`
}

// loadServers builds cfg.Servers from SERVERS_FILE and DATABASE_URL.
func loadServers(cfg *Config) error {
	cfg.Servers = make(map[string]string)

	if cfg.ServersFile != "" {
		f, err := os.Open(cfg.ServersFile)
		if err != nil {
			return fmt.Errorf("reading servers file: %w", err)
		}
		defer func() { _ = f.Close() }()

		var file serversFile
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return fmt.Errorf("parsing servers file %s: %w", cfg.ServersFile, err)
		}
		for name, s := range file.Servers {
			cfg.Servers[strings.TrimSpace(name)] = s.ConnectionString
		}
	}

	if cfg.DatabaseURL != "" {
		if _, ok := cfg.Servers[DefaultServerName]; ok {
			return fmt.Errorf("server %q is defined in %s and by DATABASE_URL", DefaultServerName, cfg.ServersFile)
		}
		cfg.Servers[DefaultServerName] = cfg.DatabaseURL
	}
	return nil
}

func checkRange[T int | time.Duration](name string, v, lo, hi T) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be between %v and %v (got %v)", name, lo, hi, v)
	}
	return nil
}

// validate checks ranges and cross-field constraints on the final config.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Servers) == 0 {
		errs = append(errs, errors.New("no servers configured: set SERVERS_FILE or DATABASE_URL (or --servers-file / --database-url)"))
	}
	for _, name := range cfg.ServerNames() {
		if name == "" {
			errs = append(errs, errors.New("servers file contains an empty server name"))
			continue
		}
		if cfg.Servers[name] == "" {
			errs = append(errs, fmt.Errorf("server %q has no connection_string", name))
			continue
		}
		// The parse error can echo the password, so it is not wrapped.
		if _, err := msdsn.Parse(cfg.Servers[name]); err != nil {
			errs = append(errs, fmt.Errorf("server %q has an invalid connection string", name))
		}
	}

	errs = append(errs,
		checkRange("MAX_ROWS", cfg.MaxRows, 1, 100_000),
		checkRange("QUERY_TIMEOUT", cfg.QueryTimeout, time.Second, 600*time.Second),
		checkRange("MAX_QUERY_LENGTH", cfg.MaxQueryLength, 1, 10_000_000),
		checkRange("MAX_CONCURRENT_QUERIES", cfg.MaxConcurrentQueries, 1, 100),
		checkRange("MAX_QUERIES_PER_MINUTE", cfg.MaxQueriesPerMinute, 1, 10_000),
		checkRange("POOL_MAX_CONNS", cfg.PoolMaxConns, 1, 1000),
		checkRange("POOL_MAX_IDLE_CONNS", cfg.PoolMaxIdleConns, 0, cfg.PoolMaxConns),
	)
	if cfg.PoolMaxConnLifetime < 0 {
		errs = append(errs, fmt.Errorf("POOL_MAX_CONN_LIFETIME must not be negative (got %v)", cfg.PoolMaxConnLifetime))
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport))
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		errs = append(errs, fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)"))
	}

	return errors.Join(errs...)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
