package observability

import "strings"

// AggregateError carries every failure of one multi-step operation.
type AggregateError struct {
	Op   string
	Errs []error
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed: ")
	for i, err := range e.Errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error { return e.Errs }

// AggregateErrors drops nil entries and returns nil when nothing failed.
// Otherwise it logs one entry for the operation and returns an
// *AggregateError.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	agg := &AggregateError{Op: operation, Errs: failed}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields, F("operation", operation), F("errorCount", len(failed)), F("error", agg.Error()))
	Log().Error("operation failed", logFields...)
	return agg
}
