package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/plugin/route/assistants"
	"github.com/chirino/workbench-service/internal/plugin/route/conversations"
	routesystem "github.com/chirino/workbench-service/internal/plugin/route/system"
	"github.com/chirino/workbench-service/internal/plugin/route/transfers"
	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
	registrymigrate "github.com/chirino/workbench-service/internal/registry/migrate"
	registryroute "github.com/chirino/workbench-service/internal/registry/route"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/runtime"
	"github.com/chirino/workbench-service/internal/security"
	"github.com/chirino/workbench-service/internal/transfer"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.WorkbenchStore
	Files           registryfiles.FileStorage
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	_ = s.Store.Close()
	return err
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting workbench service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"files", cfg.FileStorageType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Initialize file storage
	filesLoader, err := registryfiles.Select(cfg.FileStorageType)
	if err != nil {
		return nil, err
	}
	files, err := filesLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Assistant runtime clients and the transfer service.
	pool := runtime.NewClientPool(store, cfg.RuntimeCallTimeout)
	transferSvc := transfer.NewService(store, files, transfer.Options{
		TempDir:            cfg.ResolvedTempDir(),
		PageSize:           cfg.ExportPageSize,
		ImportMaxSize:      cfg.ImportMaxSize,
		RuntimeCallTimeout: cfg.RuntimeCallTimeout,
	})

	// Mount API routes
	conversations.MountRoutes(router, store, files, cfg, auth)
	assistants.MountRoutes(router, store, pool, auth)
	transfers.MountRoutes(router, transferSvc, auth)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	// Start single-port HTTP
	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Files:           files,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
