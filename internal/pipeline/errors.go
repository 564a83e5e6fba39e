// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"errors"

	"github.com/groovelab/playhouse/internal/dimension"
	"github.com/groovelab/playhouse/internal/lake"
	"github.com/groovelab/playhouse/internal/registry"
	"github.com/groovelab/playhouse/internal/validation"
	"github.com/groovelab/playhouse/internal/warehouse"
)

// ErrorCategory labels what kind of failure ended a partition attempt.
type ErrorCategory string

const (
	// CategorySchemaDrift marks a batch rejected by the null-rate gate.
	CategorySchemaDrift ErrorCategory = "schema_drift"
	// CategoryUnknownSchema marks a batch declaring a version the registry
	// does not know.
	CategoryUnknownSchema ErrorCategory = "unknown_schema"
	// CategoryMalformedInput marks a landed file whose structure cannot be
	// decoded.
	CategoryMalformedInput ErrorCategory = "malformed_input"
	// CategoryWriteConflict marks a concurrent-writer collision on a
	// dimension key or the warehouse transaction.
	CategoryWriteConflict ErrorCategory = "write_conflict"
	// CategoryResource marks timeouts, I/O trouble and suspended commits.
	CategoryResource ErrorCategory = "resource"
)

// RetryableError wraps a partition attempt failure a fresh attempt may
// clear: the input is fine, the resource or the timing was not.
type RetryableError struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError wraps a failure no retry can clear. The partition
// quarantines instead of burning retry budget.
type PermanentError struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsRetryableError checks if the error is marked retryable.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError checks if the error is marked permanent.
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// classify sorts a raw attempt failure into the retryable/permanent pair.
// Unrecognized errors default to retryable: the retry budget bounds the
// damage of a wrong guess, while misclassifying a transient hiccup as
// permanent would quarantine a healthy partition.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryableError(err) || IsPermanentError(err) {
		return err
	}

	var drift *validation.DriftError
	if errors.As(err, &drift) {
		return &PermanentError{Category: CategorySchemaDrift, Message: "batch rejected by null-rate gate", Cause: err}
	}
	if errors.Is(err, registry.ErrUnknownSchema) {
		return &PermanentError{Category: CategoryUnknownSchema, Message: "batch declares an unknown schema version", Cause: err}
	}
	if errors.Is(err, lake.ErrMalformedFile) {
		return &PermanentError{Category: CategoryMalformedInput, Message: "partition contains an undecodable file", Cause: err}
	}

	var conflict *dimension.ConflictError
	if errors.As(err, &conflict) {
		return &RetryableError{Category: CategoryWriteConflict, Message: "lost a dimension race", Cause: err}
	}
	if warehouse.IsTransactionConflict(err) {
		return &RetryableError{Category: CategoryWriteConflict, Message: "warehouse transaction conflict", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Category: CategoryResource, Message: "attempt timed out", Cause: err}
	}

	return &RetryableError{Category: CategoryResource, Message: "partition attempt failed", Cause: err}
}
