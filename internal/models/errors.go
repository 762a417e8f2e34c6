package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound marks an unknown portal, collector or execution.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a network failure that may succeed on retry.
	ErrTransient = errors.New("transient network error")
	ErrConflict  = errors.New("request id already submitted")
)

// RemoteExecutionError is a failure reported by the collector process itself.
type RemoteExecutionError struct {
	Message string
}

func (e *RemoteExecutionError) Error() string {
	return "remote execution failed: " + e.Message
}

// ParseError means the remote call succeeded but its output had the wrong shape.
type ParseError struct {
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse remote output: %s: %v", e.Detail, e.Err)
	}
	return "parse remote output: " + e.Detail
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Code maps an error to the numeric code shown by the presentation layer.
func Code(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type ErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Envelope is the tagged success/error payload returned by every API call.
type Envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

func Success(data interface{}) Envelope {
	return Envelope{OK: true, Data: data}
}

func Failure(err error) Envelope {
	return Envelope{Error: &ErrorBody{Message: err.Error(), Code: Code(err)}}
}
