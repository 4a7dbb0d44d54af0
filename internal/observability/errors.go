package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the per-item failures of a batched operation
// (a subscription flush, an engine shutdown sequence) into one logged,
// joined error. Nil entries are skipped; all nil yields nil so callers can
// pass their collected slice unconditionally.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failures := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, err)
		messages = append(messages, err.Error())
	}
	if len(failures) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(failures)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failures...))
}
