package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic and returns it as an error with stack trace.
// Returns nil if no panic occurred.
//
// Note: recover only stops a panic when called directly by the deferred
// function itself; calling RecoverPanic from inside a deferred closure does
// not work, since recover is then one call removed from the deferred
// function. Callers that need panic containment (broker.Monitor.dispatch,
// the migrator's per-queue sweep) call recover() directly in their own
// deferred closure and build a *PanicError by hand instead.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
	return nil
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
