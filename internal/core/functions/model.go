package functions

import (
	"encoding/json"
	"time"
)

// FunctionStatus tracks the build state of a function as a whole.
type FunctionStatus string

const (
	FunctionCreated  FunctionStatus = "created"
	FunctionBuilding FunctionStatus = "building"
	FunctionReady    FunctionStatus = "ready"
	FunctionFailed   FunctionStatus = "failed"
)

// DeploymentStatus is the lifecycle state of one deployment.
type DeploymentStatus string

const (
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentActive   DeploymentStatus = "active"
	DeploymentInactive DeploymentStatus = "inactive"
	DeploymentFailed   DeploymentStatus = "failed"
)

// FunctionDefinition represents a single tenant function.
type FunctionDefinition struct {
	ID             string         `gorm:"primaryKey" json:"id"`
	Owner          string         `gorm:"index;not null" json:"owner"`
	Name           string         `gorm:"not null" json:"name"`
	Status         FunctionStatus `gorm:"not null" json:"status"`
	TimeoutSeconds int            `json:"timeout_seconds"` // 0 uses the service default
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Deployment is one immutable, versioned build of a function. Only Status
// changes after creation.
type Deployment struct {
	ID         string           `gorm:"primaryKey" json:"id"`
	FunctionID string           `gorm:"not null;uniqueIndex:idx_deployment_version,priority:1;uniqueIndex:idx_deployment_active,where:status = 'active'" json:"function_id"`
	Version    int              `gorm:"not null;uniqueIndex:idx_deployment_version,priority:2" json:"version"`
	ImageRef   string           `gorm:"not null" json:"image_ref"`
	ArchiveKey string           `gorm:"not null" json:"archive_key"`
	Status     DeploymentStatus `gorm:"not null;index" json:"status"`
	ImageSize  int64            `json:"image_size"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Active reports whether d currently serves invocations.
func (d *Deployment) Active() bool { return d.Status == DeploymentActive }

// ExecutionRequest is what the guest receives in /request.json.
type ExecutionRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    json.RawMessage   `json:"body"`
}

// HasPayload reports whether the request carries a body or query parameters.
func (r *ExecutionRequest) HasPayload() bool {
	body := string(r.Body)
	return len(r.Query) > 0 || (body != "" && body != "null")
}

// LogEntry is one record the guest logger produced.
type LogEntry struct {
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// InvocationLogs merges the guest's log file with what the container left on
// its standard streams.
type InvocationLogs struct {
	Error      []LogEntry `json:"error"`
	Debug      []LogEntry `json:"debug"`
	Info       []LogEntry `json:"info"`
	ExitCode   int        `json:"exitCode"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// ExecutionResult is the caller-visible outcome of one invocation.
type ExecutionResult struct {
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Result     json.RawMessage   `json:"result"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Version    int               `json:"version,omitempty"`
	Logs       *InvocationLogs   `json:"logs,omitempty"`
}
