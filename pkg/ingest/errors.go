package ingest

import "fmt"

// Error codes surfaced to plugin clients.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeBatchTooLarge   = "BATCH_TOO_LARGE"
	CodeInvalidBody     = "INVALID_BODY"
)

// MaxBatchEvents caps the total event count of a single batch request.
const MaxBatchEvents = 100

// ValidationError describes a malformed event field. Events failing
// validation are skipped without aborting the rest of the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError indicates a session lookup miss in the registry or store.
type NotFoundError struct {
	SessionUUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionUUID)
}

// Code returns the wire error code for the miss.
func (e *NotFoundError) Code() string { return CodeSessionNotFound }

// CapacityError indicates a batch exceeding the per-request event cap.
type CapacityError struct {
	Events int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batch of %d events exceeds limit of %d", e.Events, e.Limit)
}

// Code returns the wire error code for the rejection.
func (e *CapacityError) Code() string { return CodeBatchTooLarge }

// TransientStoreError wraps a storage failure that the client may retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
