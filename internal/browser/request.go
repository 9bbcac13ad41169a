package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tomasbasham/witnessgo/internal/werrors"
)

const maxRetries = 7

// Request validates method against the capability table, sends it on the
// duplex channel with an id allocated from the shared counter, and blocks
// until either a matching result/error Frame arrives or ctx is cancelled.
// sessionID is empty for browser-level commands and set for tab-scoped ones.
//
// A ProtocolError marked Retry is retried up to maxRetries times with
// exponential backoff starting at 100ms (spec.md §4.1); a context deadline
// is never retried — it propagates immediately.
func (b *Browser) Request(ctx context.Context, method string, sessionID string, params map[string]any) (json.RawMessage, error) {
	if state(b.state.Load()) != stateReady {
		return nil, &werrors.NotStartedError{Op: method}
	}

	if err := b.checkCapability(method); err != nil {
		return nil, err
	}

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("browser: marshal params for %s: %w", method, err)
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := b.sendAndWait(ctx, method, sessionID, paramsJSON)
		if err == nil {
			return result, nil
		}

		var perr *werrors.ProtocolError
		if !asProtocolError(err, &perr) || !perr.Retry || attempt == maxRetries {
			return nil, err
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

func asProtocolError(err error, out **werrors.ProtocolError) bool {
	pe, ok := err.(*werrors.ProtocolError)
	if !ok {
		return false
	}
	*out = pe
	return true
}

func (b *Browser) checkCapability(method string) error {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) != 2 {
		return &werrors.ProtocolError{Method: method, Message: "malformed command, expected Domain.command"}
	}
	domain, sub := parts[0], parts[1]

	cmds, ok := b.capabilities[domain]
	if !ok {
		return &werrors.ProtocolError{Method: method, Message: fmt.Sprintf("unsupported domain %q", domain)}
	}
	if _, ok := cmds[sub]; !ok {
		return &werrors.ProtocolError{Method: method, Message: fmt.Sprintf("unsupported command %q for domain %q", sub, domain)}
	}
	return nil
}

func (b *Browser) nextMessageID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Browser) sendAndWait(ctx context.Context, method, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	id := b.nextMessageID()

	resultCh := make(chan *Frame, 1)
	b.mu.Lock()
	b.pending[id] = pendingRequest{resultCh: resultCh}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	f := &Frame{ID: id, Method: method, Params: params, SessionID: sessionID}
	if b.conn == nil {
		return nil, &werrors.NotStartedError{Op: method}
	}
	if err := b.conn.Write(f); err != nil {
		return nil, fmt.Errorf("browser: write %s: %w", method, err)
	}

	select {
	case res, ok := <-resultCh:
		if !ok || res == nil {
			return nil, &werrors.BrowserStoppedError{Reason: "channel closed while request pending"}
		}
		if res.Error != nil {
			return nil, &werrors.ProtocolError{
				Method:  method,
				Code:    res.Error.Code,
				Message: res.Error.Message,
				Retry:   isRetryableCode(res.Error.Code, res.Error.Message),
			}
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, &werrors.TimeoutError{Op: method, Timeout: ctx.Err().Error()}
	}
}

// isRetryableCode classifies engine errors that are known to be transient,
// e.g. a response body requested before the engine has finished buffering
// it. The debugging protocol does not carry a structured "retry" flag, so
// this is a best-effort message match against the documented case in
// spec.md §4.2 (Network.getResponseBody called too early).
func isRetryableCode(code int64, message string) bool {
	return strings.Contains(strings.ToLower(message), "no resource with given identifier") ||
		strings.Contains(strings.ToLower(message), "not available")
}
