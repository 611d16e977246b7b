package functions

import (
	"context"
	"time"
)

// Store persists function definitions and their deployments. Lookups of
// unknown records return an error wrapping ErrNotFound.
type Store interface {
	CreateFunction(ctx context.Context, fn *FunctionDefinition) error
	GetFunction(ctx context.Context, id string) (*FunctionDefinition, error)
	// ListFunctions returns every function of owner, or all functions when
	// owner is empty.
	ListFunctions(ctx context.Context, owner string) ([]FunctionDefinition, error)
	SetFunctionStatus(ctx context.Context, id string, status FunctionStatus) error
	// DeleteFunction removes the definition together with its deployments.
	DeleteFunction(ctx context.Context, id string) error

	// CreateDeployment inserts d. Inserting an existing (function, version)
	// pair fails.
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, functionID string, version int) (*Deployment, error)
	// ListDeployments returns the deployments of a function by ascending version.
	ListDeployments(ctx context.Context, functionID string) ([]Deployment, error)
	ActiveDeployment(ctx context.Context, functionID string) (*Deployment, error)
	// LatestVersion returns the highest version of a function, 0 when none.
	LatestVersion(ctx context.Context, functionID string) (int, error)
	// FinishDeployment records the outcome of a deployment's build. status is
	// DeploymentInactive or DeploymentFailed.
	FinishDeployment(ctx context.Context, functionID string, version int, status DeploymentStatus, imageSize int64) error
	// SwitchActive deactivates the active deployment of functionID, if any, and
	// activates version in one atomic step. It returns the previously active
	// version, 0 when there was none.
	SwitchActive(ctx context.Context, functionID string, version int) (int, error)
}

// ArchiveStore keeps the submitted archive of every deployment.
type ArchiveStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	// Download writes the object stored under key to destPath.
	Download(ctx context.Context, key, destPath string) error
	Delete(ctx context.Context, key string) error
}

// LogRecord is one guest log line forwarded to the sink.
type LogRecord struct {
	FunctionID   string
	Version      int
	InvocationID string
	Level        string
	Message      string
	Timestamp    time.Time
	Metadata     map[string]any
}

// LogSink accepts records without blocking the caller.
type LogSink interface {
	Record(r LogRecord)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(LogRecord) {}
