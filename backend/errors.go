package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports that a list or task identifier did not resolve.
type NotFoundError struct {
	Kind string // "list" or "task"
	Ref  Ref
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s could not be found", e.Kind, e.Ref)
}

// ErrNotFound creates a NotFoundError
func ErrNotFound(kind string, ref Ref) *NotFoundError {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// ProtectedResourceError reports an attempt to delete or modify a system
// list.
type ProtectedResourceError struct {
	ID     LocalID
	Action string // defaults to "delete"
}

func (e *ProtectedResourceError) Error() string {
	action := e.Action
	if action == "" {
		action = "delete"
	}
	return fmt.Sprintf("not allowed to %s system list %q", action, e.ID)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsProtected reports whether err is, or wraps, a ProtectedResourceError.
func IsProtected(err error) bool {
	var pe *ProtectedResourceError
	return errors.As(err, &pe)
}

// ErrStoreLocked reports that another process holds the local store.
var ErrStoreLocked = errors.New("local store is in use by another nitrosync process")

// StoreError represents a failure of the local key-value store. Store errors
// are never swallowed: the initiating operation fails with it.
type StoreError struct {
	Op  string // "load" or "save"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("local store %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RemoteError represents an error from a remote API call.
// It carries the HTTP status code (0 for transport failures), the operation
// context, and the response body for diagnostics.
type RemoteError struct {
	Operation  string // e.g., "create", "update", "fetch"
	Path       string
	StatusCode int
	Message    string
	Body       string
	Err        error
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Operation, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Operation, e.Path, e.Message)
}

// Unwrap returns the underlying error for error wrapping
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError creates a new RemoteError
func NewRemoteError(operation, path string, statusCode int, message string) *RemoteError {
	return &RemoteError{
		Operation:  operation,
		Path:       path,
		StatusCode: statusCode,
		Message:    message,
	}
}

// WithBody adds the response body to the error for debugging
func (e *RemoteError) WithBody(body string) *RemoteError {
	e.Body = body
	return e
}

// WithError wraps an underlying error
func (e *RemoteError) WithError(err error) *RemoteError {
	e.Err = err
	return e
}

// IsNotFound returns true if the error is a 404 Not Found or 410 Gone
func (e *RemoteError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsUnauthorized returns true if the error is a 401 Unauthorized or 403 Forbidden
func (e *RemoteError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsConflict returns true for 409 Conflict
func (e *RemoteError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsServerError returns true if the error is a 5xx server error
func (e *RemoteError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsPermanent reports whether retrying the same request can never succeed.
// Missing resources and conflicts are permanent. Validation rejections (422),
// auth failures, throttling, server errors, malformed responses and transport
// failures are not; the queue's attempt limit bounds their retries.
func (e *RemoteError) IsPermanent() bool {
	return e.IsNotFound() || e.IsConflict()
}

// IsRetryable is the complement of IsPermanent.
func (e *RemoteError) IsRetryable() bool {
	return !e.IsPermanent()
}

// IsPermanentRemote reports whether err wraps a permanent RemoteError.
func IsPermanentRemote(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.IsPermanent()
	}
	return false
}
