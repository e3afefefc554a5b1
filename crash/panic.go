package crash

import (
	"fmt"
	"runtime/debug"
)

// ReportWriter stores a crash trace with the current metadata.
type ReportWriter interface {
	WriteReport(trace string) (string, error)
}

// CapturePanic stores recovered as a Go panic report. It returns the report
// id. Use it from a deferred recover; it does not re-panic.
func CapturePanic(w ReportWriter, recovered interface{}) (string, error) {
	if w == nil || recovered == nil {
		return "", nil
	}
	return w.WriteReport(FormatPanic(recovered, debug.Stack()))
}

// FormatPanic renders a panic value and stack the way the Go runtime prints
// an unrecovered panic.
func FormatPanic(recovered interface{}, stack []byte) string {
	return fmt.Sprintf("panic: %v\n\n%s", recovered, stack)
}
