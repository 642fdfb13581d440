package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
	"github.com/cropalato/chart-registry/internal/pipeline"
	"github.com/cropalato/chart-registry/internal/release"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// Releases is the release API backing the HTTP routes
type Releases interface {
	Upload(ctx context.Context, req pipeline.UploadRequest) (*release.Release, error)
	List(ctx context.Context, repositoryID int64) ([]*release.Release, error)
	Get(ctx context.Context, ref pipeline.ReleaseRef) (*release.Release, error)
	Update(ctx context.Context, repositoryID int64, version, updateText string) (*release.Release, error)
	Delete(ctx context.Context, repositoryID int64, version string) error

	ChartYAML(ctx context.Context, ref pipeline.ReleaseRef) (*pipeline.Content, error)
	ValuesYAML(ctx context.Context, ref pipeline.ReleaseRef) (*pipeline.Content, error)
	Templates(ctx context.Context, ref pipeline.ReleaseRef) ([]string, error)
	Template(ctx context.Context, ref pipeline.ReleaseRef, name string) (*pipeline.Content, error)
	Tarball(ctx context.Context, ref pipeline.ReleaseRef) (*pipeline.Content, error)
	Provenance(ctx context.Context, ref pipeline.ReleaseRef) (*pipeline.Content, error)
}

// Indexes serves serialized owner indexes
type Indexes interface {
	Document(ctx context.Context, owner int64) ([]byte, error)
}

// Server is the registry HTTP API
type Server struct {
	releases Releases
	indexes  Indexes
	config   config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
}

// Response is the JSON envelope of every non-file response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []APIError  `json:"errors,omitempty"`
}

// APIError is one error reported to a client
type APIError struct {
	Code    customerrors.Code `json:"code"`
	Message string            `json:"message"`
}

// updateRequest is the PATCH body of a release
type updateRequest struct {
	UpdateText *string `json:"update_text"`
}
