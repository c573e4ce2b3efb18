package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/koustreak/callsql/internal/errs"
)

// ErrStatementClosed is returned by statements used after Close.
var ErrStatementClosed = errs.New(errs.ErrKindInvalidInput, "statement is closed")

// CheckPosition validates a 1-based parameter position against the
// placeholder count of the call.
func CheckPosition(pos, count int) error {
	if pos < 1 || pos > count {
		return errs.New(errs.ErrKindInvalidInput,
			fmt.Sprintf("parameter position %d out of range [1, %d]", pos, count))
	}
	return nil
}

// ContextError classifies context cancellation and deadlines, the one
// mapping every engine shares. It returns nil for other errors.
func ContextError(err error, msg string) *errs.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}
	return nil
}
