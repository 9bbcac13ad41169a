package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the narrow interface the multiplexer and event pump need
// from the wire transport. It exists so tests can substitute a fake channel
// (see internal/browser/browsertest) instead of dialing a real browser.
type Channel interface {
	Write(f *Frame) error
	Read() (*Frame, error)
	Close() error
}

// transport is the single duplex channel to the browser's debugging port.
// Reads are only ever performed by the event pump; writes may come from any
// number of concurrent request() callers and must be serialised so that
// JSON frames are never interleaved on the wire (spec.md §5).
type transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

var _ Channel = (*transport)(nil)

func dialTransport(ctx context.Context, wsURL string) (*transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: dial debugger websocket: %w", err)
	}
	// The default gorilla/websocket read limit (32KB) is far too small for
	// screenshot and response-body payloads, which frequently exceed it.
	conn.SetReadLimit(64 << 20)
	return &transport{conn: conn}, nil
}

func (t *transport) Write(f *Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(f)
}

func (t *transport) Read() (*Frame, error) {
	var f Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *transport) Close() error {
	return t.conn.Close()
}

// marshalParams is a helper for building a command's params payload from a
// plain map, matching the wire shape CDP commands expect. Using map[string]any
// rather than per-command structs keeps the driver decoupled from the exact
// schema of every domain — the capability table, not the Go type system,
// is what validates a command is well-formed.
func marshalParams(params map[string]any) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return json.Marshal(params)
}
