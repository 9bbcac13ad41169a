package browser

import (
	"errors"

	"github.com/gorilla/websocket"
)

// benignUnroutedEvents are dropped silently when no session is registered
// for them, since they fire naturally during the brief window between a
// tab's close() deregistering and the engine's own teardown settling.
var benignUnroutedEvents = map[string]struct{}{
	"Inspector.detached": {},
	"Page.frameDetached": {},
}

// pump is the single reader of the duplex channel. It dispatches command
// results to their awaiter and routes events to the owning tab's sink,
// exactly as described in spec.md §4.1. On channel closure it fails every
// outstanding request with a terminal error and transitions the browser to
// stopping.
func (b *Browser) pump() {
	defer close(b.pumpDone)

	for {
		f, err := b.conn.Read()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				b.log.Debug().Err(err).Msg("duplex channel closed")
			}
			b.failAllPending()
			b.state.CompareAndSwap(int32(stateReady), int32(stateStopping))
			return
		}

		switch {
		case f.IsEvent():
			b.routeEvent(f)
		case f.ID != 0:
			b.completeRequest(f)
		default:
			b.log.Debug().Msg("ignoring malformed Frame (no id or method)")
		}
	}
}

func (b *Browser) completeRequest(f *Frame) {
	b.mu.Lock()
	p, ok := b.pending[f.ID]
	if ok {
		delete(b.pending, f.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Debug().Int64("id", f.ID).Msg("no awaiter for response id")
		return
	}
	p.resultCh <- f
}

func (b *Browser) routeEvent(f *Frame) {
	if f.SessionID == "" {
		// Browser-level (session-less) events are not consumed by the core;
		// nothing subscribes to them.
		return
	}

	b.mu.Lock()
	sink, ok := b.sinks[f.SessionID]
	b.mu.Unlock()

	if !ok {
		if _, benign := benignUnroutedEvents[f.Method]; !benign {
			b.log.Debug().Str("method", f.Method).Str("session_id", f.SessionID).Msg("event for unregistered session dropped")
		}
		return
	}
	sink.Dispatch(f.Method, f.Params)
}

func (b *Browser) failAllPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		close(p.resultCh)
		delete(b.pending, id)
	}
}
