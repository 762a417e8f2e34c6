// Package rpc defines the collector invocation service. Messages travel as
// google.protobuf.Struct so the service needs no generated code.
package rpc

import (
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MetadataPortal        = "x-portal-id"
	MetadataAuthorization = "authorization"
)

// RemoteState is the collector's view of a run.
type RemoteState string

const (
	StateRunning  RemoteState = "running"
	StateComplete RemoteState = "complete"
	StateFailed   RemoteState = "failed"
)

type InvokeRequest struct {
	RequestID    string
	PortalID     string
	CollectorID  string
	Script       string
	Language     string
	Mode         string
	Hostname     string
	Wildvalue    string
	DeviceID     int64
	DatasourceID int64
}

func (r *InvokeRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"request_id":    r.RequestID,
		"portal_id":     r.PortalID,
		"collector_id":  r.CollectorID,
		"script":        r.Script,
		"language":      r.Language,
		"mode":          r.Mode,
		"hostname":      r.Hostname,
		"wildvalue":     r.Wildvalue,
		"device_id":     float64(r.DeviceID),
		"datasource_id": float64(r.DatasourceID),
	})
}

func InvokeRequestFrom(s *structpb.Struct) *InvokeRequest {
	return &InvokeRequest{
		RequestID:    str(s, "request_id"),
		PortalID:     str(s, "portal_id"),
		CollectorID:  str(s, "collector_id"),
		Script:       str(s, "script"),
		Language:     str(s, "language"),
		Mode:         str(s, "mode"),
		Hostname:     str(s, "hostname"),
		Wildvalue:    str(s, "wildvalue"),
		DeviceID:     num(s, "device_id"),
		DatasourceID: num(s, "datasource_id"),
	}
}

type InvokeResponse struct {
	Handle string
}

func (r *InvokeResponse) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"handle": r.Handle})
}

func InvokeResponseFrom(s *structpb.Struct) *InvokeResponse {
	return &InvokeResponse{Handle: str(s, "handle")}
}

// HandleRequest addresses an existing run for Poll and Cancel.
type HandleRequest struct {
	Handle string
}

func (r *HandleRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"handle": r.Handle})
}

func HandleRequestFrom(s *structpb.Struct) *HandleRequest {
	return &HandleRequest{Handle: str(s, "handle")}
}

type PollResponse struct {
	State    RemoteState
	Output   string
	Error    string
	ExitCode int64
	// Truncated is set when the collector dropped output past its capture limit.
	Truncated bool
}

// Struct replaces invalid UTF-8 in script output and error text; protobuf strings
// must be valid UTF-8.
func (r *PollResponse) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"state":     string(r.State),
		"output":    ValidText(r.Output),
		"error":     ValidText(r.Error),
		"exit_code": float64(r.ExitCode),
		"truncated": r.Truncated,
	})
}

func PollResponseFrom(s *structpb.Struct) *PollResponse {
	return &PollResponse{
		State:     RemoteState(str(s, "state")),
		Output:    str(s, "output"),
		Error:     str(s, "error"),
		ExitCode:  num(s, "exit_code"),
		Truncated: s.GetFields()["truncated"].GetBoolValue(),
	}
}

type CancelResponse struct {
	Acknowledged bool
}

func (r *CancelResponse) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"acknowledged": r.Acknowledged})
}

func CancelResponseFrom(s *structpb.Struct) *CancelResponse {
	return &CancelResponse{Acknowledged: s.GetFields()["acknowledged"].GetBoolValue()}
}

type DescribeResponse struct {
	CollectorID string
	Description string
}

func (r *DescribeResponse) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"collector_id": r.CollectorID,
		"description":  ValidText(r.Description),
	})
}

func DescribeResponseFrom(s *structpb.Struct) *DescribeResponse {
	return &DescribeResponse{
		CollectorID: str(s, "collector_id"),
		Description: str(s, "description"),
	}
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// ValidText replaces each run of invalid UTF-8 bytes with U+FFFD.
func ValidText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
