package models

import (
	"fmt"
	"time"
)

type Language string

const (
	LanguageGroovy     Language = "groovy"
	LanguagePowerShell Language = "powershell"
)

func (l Language) Valid() bool {
	return l == LanguageGroovy || l == LanguagePowerShell
}

// Extension is the file suffix interpreters expect for the language.
func (l Language) Extension() string {
	if l == LanguagePowerShell {
		return ".ps1"
	}
	return ".groovy"
}

type Mode string

const (
	ModeActiveDiscovery Mode = "ad"
	ModeCollection      Mode = "collection"
	ModeBatchCollection Mode = "batchcollection"
	ModeFreeform        Mode = "freeform"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeActiveDiscovery, ModeCollection, ModeBatchCollection, ModeFreeform:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses so observers can check pending <= running <= terminal.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// ExecutionRequest is immutable once submitted.
type ExecutionRequest struct {
	RequestID    string   `json:"requestId"`
	PortalID     string   `json:"portalId"`
	CollectorID  string   `json:"collectorId"`
	ScriptBody   string   `json:"scriptBody"`
	Language     Language `json:"scriptLanguage"`
	Mode         Mode     `json:"mode"`
	Hostname     string   `json:"hostname,omitempty"`
	DeviceID     int64    `json:"deviceId,omitempty"`
	Wildvalue    string   `json:"wildvalue,omitempty"`
	DatasourceID int64    `json:"datasourceId,omitempty"`
}

func (r ExecutionRequest) Validate() error {
	if r.PortalID == "" {
		return fmt.Errorf("portalId is required")
	}
	if r.CollectorID == "" {
		return fmt.Errorf("collectorId is required")
	}
	if r.ScriptBody == "" {
		return fmt.Errorf("scriptBody is required")
	}
	if !r.Language.Valid() {
		return fmt.Errorf("unsupported script language %q", r.Language)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("unsupported mode %q", r.Mode)
	}
	return nil
}

type ExecutionResult struct {
	RequestID    string    `json:"requestId"`
	PortalID     string    `json:"portalId,omitempty"`
	CollectorID  string    `json:"collectorId,omitempty"`
	Status       Status    `json:"status"`
	RawOutput    string    `json:"rawOutput"`
	DurationMs   int64     `json:"durationMs"`
	StartedAt    time.Time `json:"startTime"`
	ErrorMessage string    `json:"error,omitempty"`
}
