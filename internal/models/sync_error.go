package models

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a sync failure kind. Codes are strings so they log and serialize cleanly.
type ErrorCode string

const (
	// CodeNetworkUnavailable indicates the backend cannot be reached or used; see NetworkReason.
	CodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"

	// CodeRateLimited indicates the backend throttled the request.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeZoneNotFound indicates the remote record zone (table, bucket) does not exist.
	CodeZoneNotFound ErrorCode = "ZONE_NOT_FOUND"

	// CodeRecordNotFound indicates the remote record does not exist.
	CodeRecordNotFound ErrorCode = "RECORD_NOT_FOUND"

	// CodeSyncInProgress indicates a second sync was requested while one is in flight.
	CodeSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"

	// CodeUnknown indicates an unclassified failure; the cause is preserved.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// NetworkReason 网络不可用的具体原因
type NetworkReason string

const (
	ReasonNoInternet    NetworkReason = "no_internet"
	ReasonNotSignedIn   NetworkReason = "not_signed_in"
	ReasonQuotaExceeded NetworkReason = "quota_exceeded"
)

// SyncError is the sync-side error taxonomy. Backend errors are translated into it
// before they reach the repository or the coordinator.
type SyncError struct {
	Code   ErrorCode
	Reason NetworkReason
	Cause  error
}

var (
	ErrSyncInProgress = &SyncError{Code: CodeSyncInProgress}
	ErrRateLimited    = &SyncError{Code: CodeRateLimited}
	ErrZoneNotFound   = &SyncError{Code: CodeZoneNotFound}
	ErrRecordNotFound = &SyncError{Code: CodeRecordNotFound}
	// ErrNetworkUnavailable matches every NETWORK_UNAVAILABLE error regardless of reason.
	ErrNetworkUnavailable = &SyncError{Code: CodeNetworkUnavailable}
)

// NewNetworkUnavailable creates a NETWORK_UNAVAILABLE error with the given reason.
func NewNetworkUnavailable(reason NetworkReason, cause error) *SyncError {
	return &SyncError{Code: CodeNetworkUnavailable, Reason: reason, Cause: cause}
}

// NewUnknown wraps an unclassified cause.
func NewUnknown(cause error) *SyncError {
	return &SyncError{Code: CodeUnknown, Cause: cause}
}

// WithCause returns a copy of e carrying cause.
func (e *SyncError) WithCause(cause error) *SyncError {
	out := *e
	out.Cause = cause
	return &out
}

func (e *SyncError) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches on code, and on reason when the target carries one.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// AsSyncError classifies err into the taxonomy. Errors already in the taxonomy are
// returned as-is; anything else becomes UNKNOWN with err as the cause.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return NewUnknown(err)
}

// IsRetryable reports whether the failure is worth retrying on a later pass.
// Every backend failure is treated as future work except a single-flight rejection.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrSyncInProgress)
}

// StoreError is a local persistence failure. It is a separate family from SyncError
// and propagates synchronously to the caller of save/update/delete.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("local store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrNotFound is returned by local stores for point queries with no match.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned by local stores when inserting an existing key.
var ErrDuplicateKey = errors.New("record already exists")
