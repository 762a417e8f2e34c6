package orchestrator

import (
	"context"

	"github.com/metorial/sentinel-runner/internal/models"
)

type RemoteState int

const (
	RemoteRunning RemoteState = iota
	RemoteComplete
	RemoteFailed
)

// RemoteStatus is one answer from the collector about a run.
type RemoteStatus struct {
	State     RemoteState
	Output    string
	Message   string
	Truncated bool
}

// Channel delivers scripts to collectors. Implementations wrap not-found conditions
// in models.ErrNotFound and retryable transport failures in models.ErrTransient.
type Channel interface {
	Invoke(ctx context.Context, cred models.Credential, req models.ExecutionRequest) (string, error)
	Poll(ctx context.Context, cred models.Credential, collectorID, handle string) (RemoteStatus, error)
	Cancel(ctx context.Context, cred models.Credential, collectorID, handle string) error
}

// Describer is implemented by channels that can ask a collector to describe itself.
type Describer interface {
	Describe(ctx context.Context, cred models.Credential, collectorID string) (string, error)
}

// Credentials is the portal session provider.
type Credentials interface {
	Credential(portalID string) (models.Credential, error)
	Refresh(ctx context.Context, portalID string) (models.Credential, error)
}

// Recorder keeps terminal results after they leave memory.
type Recorder interface {
	RecordExecution(result models.ExecutionResult) error
	GetExecution(requestID string) (*models.ExecutionResult, error)
}
