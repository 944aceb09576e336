package observability

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Errors collects failures from concurrent teardown steps.
type Errors struct {
	mu   sync.Mutex
	errs []error
}

// Add records err if it is non-nil.
func (e *Errors) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

// Report logs the collected failures once under operation and returns them joined.
func (e *Errors) Report(logger Logger, operation string, fields ...Field) error {
	e.mu.Lock()
	collected := slices.Clone(e.errs)
	e.mu.Unlock()
	return AggregateErrors(logger, operation, collected, fields...)
}

// AggregateErrors drops nil entries, logs what remains and wraps it with operation.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	failed := slices.DeleteFunc(slices.Clone(errs), func(err error) bool { return err == nil })
	if len(failed) == 0 {
		return nil
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	OrNop(logger).Error("teardown errors", append(slices.Clone(fields),
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages),
	)...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failed...))
}
