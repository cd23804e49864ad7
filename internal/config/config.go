package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the workbench service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, X-User-ID header identity is accepted.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// File storage backend type
	FileStorageType string // "localdir" or "s3"

	// Root directory for the localdir file storage backend.
	FileStorageDir string

	// Per-file upload size limit (bytes).
	FileMaxSize int64

	// Import archive size limit (bytes). Applies to the unpacked contents,
	// not just the archive stream.
	ImportMaxSize int64

	// Snapshot page size used when streaming conversations out of the store.
	ExportPageSize int

	// Timeout applied to each assistant runtime acknowledgement call.
	RuntimeCallTimeout time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=workbench-service".
	MetricsLabels string

	// S3
	S3Bucket       string
	S3Prefix       string
	S3UsePathStyle bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or
	// WORKBENCH_SERVICE_MANAGEMENT_PORT) was explicitly provided. When false,
	// management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints
	// (/health, /ready, /metrics). Disabled by default to suppress probe noise.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	// APIKeys maps API key values to user IDs (WORKBENCH_SERVICE_API_KEYS_<USER_ID>=<key>).
	APIKeys map[string]string // key value → userId

	// Body size limit (bytes)
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		FileStorageType:         "localdir",
		FileStorageDir:          "workbench-files",
		FileMaxSize:             50 * 1024 * 1024,  // 50 MB
		ImportMaxSize:           500 * 1024 * 1024, // 500 MB unpacked
		ExportPageSize:          500,
		RuntimeCallTimeout:      30 * time.Second,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:    100 * 1024 * 1024, // 2x file max-size
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
