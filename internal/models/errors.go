package models

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeServer     = "SERVER_ERROR"
	ErrCodeQueue      = "QUEUE_ERROR"
)

// Sentinel errors
var (
	ErrOffline           = errors.New("remote unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotHydrated       = errors.New("collection not hydrated")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrRecordNotFound    = errors.New("record not found")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNoHandler         = errors.New("no handler registered for queue item type")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// APIError represents an error response from a remote backend.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrUnauthorized
	case e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408:
		return ErrOffline
	default:
		return nil
	}
}

// ValidationError is a remote rejection of a malformed payload. It is not retried by transport.
type ValidationError struct {
	Collection Collection
	RecordID   string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("validation rejected %s/%s: %s", e.Collection, e.RecordID, e.Reason)
	}
	return fmt.Sprintf("validation rejected %s: %s", e.Collection, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConflictError is raised when a record changed underneath an editing session.
type ConflictError struct {
	Collection    Collection
	RecordID      string
	BaseTimestamp time.Time
	Remote        Record
	RemoteTitle   string
	RemoteContent string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: edited from %s, current version %s",
		e.Collection, e.RecordID, FormatTime(e.BaseTimestamp), FormatTime(e.Remote.UpdatedAt))
}

// StorageFatalError means a local write could not be made durable (disk full, corruption).
type StorageFatalError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageFatalError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("local storage fatal: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("local storage fatal: %s: %v", e.Op, e.Err)
}

func (e *StorageFatalError) Unwrap() error {
	return e.Err
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code       string
	Phase      string
	Collection Collection
	Err        error
}

func (e *SyncError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("sync %s [%s]: %s: %v", e.Phase, e.Code, e.Collection, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsOffline reports whether err is a network class failure.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// IsUnauthorized reports whether err requires re-authentication.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsFatalStorage reports whether err is a fatal local storage failure.
func IsFatalStorage(err error) bool {
	var fatal *StorageFatalError
	return errors.As(err, &fatal)
}

// IsValidation reports whether err is a remote payload rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ErrorCode classifies err for logging and events.
func ErrorCode(err error) string {
	var conflict *ConflictError
	switch {
	case err == nil:
		return ""
	case IsUnauthorized(err):
		return ErrCodeAuth
	case IsOffline(err):
		return ErrCodeNetwork
	case IsFatalStorage(err):
		return ErrCodeStorage
	case IsValidation(err):
		return ErrCodeValidation
	case errors.As(err, &conflict):
		return ErrCodeConflict
	default:
		return ErrCodeServer
	}
}
