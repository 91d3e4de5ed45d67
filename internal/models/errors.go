package models

import "fmt"

// ValidationError reports bad input: unknown template, disallowed file type,
// oversize upload. Nothing is persisted when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports a missing batch, file, template, or subscription.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ForbiddenTransitionError reports an operation that is invalid for the
// entity's current status, e.g. cancelling a started batch.
type ForbiddenTransitionError struct {
	Op     string
	Status string
}

func (e *ForbiddenTransitionError) Error() string {
	return fmt.Sprintf("operation %s not allowed in status %s", e.Op, e.Status)
}

// StorageError wraps a blob upload/delete failure after rollback has been
// attempted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ProcessingError is a DocumentProcessor failure. Retriable errors are raised
// to the scheduler for re-invocation instead of terminally failing the file.
type ProcessingError struct {
	Code      string
	Msg       string
	Retriable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed [%s]: %s", e.Code, e.Msg)
}

// DeliveryError is a webhook transport failure or non-2xx response.
type DeliveryError struct {
	StatusCode int
	Msg        string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed with status %d: %s", e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("delivery failed: %s", e.Msg)
}
