package serve

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/chirino/workbench-service/internal/config"
	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/workbench-service/internal/plugin/files/localdir"
	_ "github.com/chirino/workbench-service/internal/plugin/files/s3store"
	_ "github.com/chirino/workbench-service/internal/plugin/route/system"
	_ "github.com/chirino/workbench-service/internal/plugin/store/gormstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var runtimeCallTimeoutSecs int = 30
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the workbench service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &runtimeCallTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			cfg.RuntimeCallTimeout = time.Duration(runtimeCallTimeoutSecs) * time.Second
			cfg.APIKeys = apiKeysFromEnv()
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// apiKeysFromEnv collects WORKBENCH_SERVICE_API_KEYS_<USER_ID>=<key> variables
// into a key-value to user-ID map.
func apiKeysFromEnv() map[string]string {
	const prefix = "WORKBENCH_SERVICE_API_KEYS_"
	keys := map[string]string{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		userID := strings.ToLower(strings.TrimPrefix(name, prefix))
		keys[value] = userID
	}
	return keys
}

func flags(cfg *config.Config, readHeaderTimeoutSecs, runtimeCallTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts X-User-ID header identity",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── File Storage ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "files-kind",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_KIND"),
			Destination: &cfg.FileStorageType,
			Value:       cfg.FileStorageType,
			Usage:       "File storage backend (" + strings.Join(registryfiles.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "files-dir",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_DIR"),
			Destination: &cfg.FileStorageDir,
			Value:       cfg.FileStorageDir,
			Usage:       "Root directory for the localdir file storage backend",
		},
		&cli.StringFlag{
			Name:        "files-s3-bucket",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for conversation files",
		},
		&cli.StringFlag{
			Name:        "files-s3-prefix",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix inside the S3 bucket",
		},
		&cli.BoolFlag{
			Name:        "files-s3-use-path-style",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.Int64Flag{
			Name:        "files-max-size",
			Category:    "File Storage:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_FILES_MAX_SIZE"),
			Destination: &cfg.FileMaxSize,
			Value:       cfg.FileMaxSize,
			Usage:       "Per-file upload size limit in bytes",
		},

		// ── Transfers ─────────────────────────────────────────────
		&cli.Int64Flag{
			Name:        "import-max-size",
			Category:    "Transfers:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_IMPORT_MAX_SIZE"),
			Destination: &cfg.ImportMaxSize,
			Value:       cfg.ImportMaxSize,
			Usage:       "Unpacked import archive size limit in bytes",
		},
		&cli.IntFlag{
			Name:        "export-page-size",
			Category:    "Transfers:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_EXPORT_PAGE_SIZE"),
			Destination: &cfg.ExportPageSize,
			Value:       cfg.ExportPageSize,
			Usage:       "Row batch size when streaming conversations into a snapshot",
		},
		&cli.IntFlag{
			Name:        "runtime-call-timeout-seconds",
			Category:    "Transfers:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_RUNTIME_CALL_TIMEOUT_SECONDS"),
			Destination: runtimeCallTimeoutSecs,
			Value:       *runtimeCallTimeoutSecs,
			Usage:       "Timeout per assistant runtime acknowledgement call in seconds",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=workbench-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},

		// ── CORS ──────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "CORS:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling on the main listener",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "CORS:",
			Sources:     cli.EnvVars("WORKBENCH_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins; empty allows any",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isStreamingRequest exempts archive imports and file uploads from the global
// body cap; those handlers enforce their own limits.
func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method == http.MethodPost && req.URL.Path == "/v1/conversations/import" {
		contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
		return strings.HasPrefix(contentType, "multipart/form-data")
	}
	if req.Method == http.MethodPut && strings.HasPrefix(req.URL.Path, "/v1/conversations/") &&
		strings.Contains(req.URL.Path, "/files/") {
		return true
	}
	return false
}
