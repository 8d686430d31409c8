package betterddb

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	// ErrNotFound is returned when an update or delete targets an item
	// that does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrEmptyUpdate is returned when an update is executed with no
	// accumulated actions. Empty updates are an error, never a silent no-op.
	ErrEmptyUpdate = errors.New("update has no actions")
)

// ValidationError wraps a failure reported by the entity validator.
// It is always surfaced to the caller and never retried.
type ValidationError struct {
	Entity string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %s failed: %v", e.Entity, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PreconditionFailedError reports that a condition expression did not hold.
// It is surfaced distinctly so callers can implement optimistic-retry loops.
type PreconditionFailedError struct {
	Op    string
	Table string
	Err   error
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("%s on table %q: precondition failed: %v", e.Op, e.Table, e.Err)
}

func (e *PreconditionFailedError) Unwrap() error { return e.Err }

// UnprocessedItemsError reports that batch-write retries did not converge
// within the configured attempt budget.
type UnprocessedItemsError struct {
	Table     string
	Remaining int
	Attempts  int
}

func (e *UnprocessedItemsError) Error() string {
	return fmt.Sprintf("batch write on table %q: %d items unprocessed after %d attempts", e.Table, e.Remaining, e.Attempts)
}

// TransportError wraps a storage-client failure that maps to no other error
// kind, with enough context to diagnose without re-deriving it from the
// expression text.
type TransportError struct {
	Op    string
	Table string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on table %q: %v", e.Op, e.Table, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// wrapOpError classifies a raw client error. Conditional-check failures,
// standalone or inside a cancelled transaction, become
// PreconditionFailedError; everything else is passed through as a
// TransportError.
func wrapOpError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if isConditionFailure(err) {
		return &PreconditionFailedError{Op: op, Table: table, Err: err}
	}
	return &TransportError{Op: op, Table: table, Err: err}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	if errors.As(err, &tc) {
		for _, reason := range tc.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
