// Package werrors defines the error taxonomy shared by the browser driver
// and the tab state machine.
package werrors

import "fmt"

// StartupError indicates the browser binary could not be found or the child
// process exited during bring-up.
type StartupError struct {
	Msg    string
	Stderr string // child's captured stderr output, if any
}

func (e *StartupError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("startup: %s", e.Msg)
	}
	return fmt.Sprintf("startup: %s: %s", e.Msg, e.Stderr)
}

// NotStartedError indicates a request was issued before start() completed.
type NotStartedError struct {
	Op string
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("%s: browser not started", e.Op)
}

// ProtocolError wraps an error returned by the debugging protocol itself, or
// raised locally because a command violated the capability table.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	// Retry indicates the failure is transient, as classified from the
	// engine's error message; Browser.Request retries such failures.
	Retry bool
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error for %s (%d): %s", e.Method, e.Code, e.Message)
}

// BrowserStoppedError indicates the duplex channel closed while requests
// were still pending; it is terminal for the session that produced it.
type BrowserStoppedError struct {
	Reason string
}

func (e *BrowserStoppedError) Error() string {
	return fmt.Sprintf("browser stopped: %s", e.Reason)
}

// TimeoutError indicates a single protocol call or a per-URL deadline
// expired.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}
