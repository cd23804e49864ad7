// Package transfer implements conversation and assistant portability:
// exporting to a self-contained archive, importing such archives into
// possibly different deployments, and in-process duplication.
package transfer

import (
	"time"

	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/runtime"
)

// Service wires the transfer orchestrators to their backends.
type Service struct {
	store   registrystore.WorkbenchStore
	files   registryfiles.FileStorage
	clients *runtime.ClientPool

	tempDir       string
	pageSize      int
	importMaxSize int64
}

// Options tunes a Service. Zero values fall back to sensible defaults.
type Options struct {
	// TempDir holds export archives and import working directories.
	TempDir string
	// PageSize is the store read batch size used by the snapshot encoder.
	PageSize int
	// ImportMaxSize caps the unpacked size of an inbound archive.
	ImportMaxSize int64
	// RuntimeCallTimeout bounds each assistant service acknowledgement call.
	RuntimeCallTimeout time.Duration
}

// NewService creates the transfer service.
func NewService(store registrystore.WorkbenchStore, files registryfiles.FileStorage, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.RuntimeCallTimeout <= 0 {
		opts.RuntimeCallTimeout = 30 * time.Second
	}
	return &Service{
		store:         store,
		files:         files,
		clients:       runtime.NewClientPool(store, opts.RuntimeCallTimeout),
		tempDir:       opts.TempDir,
		pageSize:      opts.PageSize,
		importMaxSize: opts.ImportMaxSize,
	}
}
