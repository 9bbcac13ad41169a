// Package browsertest provides a fake browser.Channel for unit tests of the
// multiplexer and event pump, so they can run without a real browser binary
// or a live websocket connection.
package browsertest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tomasbasham/witnessgo/internal/browser"
)

// ErrClosed is returned by Read/Write once the channel has been closed.
var ErrClosed = errors.New("browsertest: channel closed")

// Channel is a scriptable, in-memory implementation of browser.Channel. Every
// Write call is recorded; the fixed id in a written Frame is echoed back as a
// result unless a Responder supplies something else. Events are injected with
// Push and delivered to the next Read call in order.
//
// All methods are safe for concurrent use: Write is called by any number of
// concurrent Browser.Request goroutines, Read only by the single event pump
// goroutine.
type Channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*browser.Frame
	closed bool

	written []*browser.Frame

	// Responder, if set, is invoked synchronously from Write for every
	// outgoing command frame and its return value is queued as the next
	// thing handed back from Read for that id; a nil return queues nothing,
	// so the command is never answered. If Responder is nil, Write
	// auto-enqueues a bare success result ({}) echoing the frame's id, so
	// tests that don't care about command results don't need to set one up.
	Responder func(f *browser.Frame) *browser.Frame
}

// New returns a ready-to-use fake channel.
func New() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Write implements browser.Channel.
func (c *Channel) Write(f *browser.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	cp := *f
	c.written = append(c.written, &cp)
	resp := c.respond(f)
	c.mu.Unlock()

	if resp != nil {
		c.Push(resp)
	}
	return nil
}

func (c *Channel) respond(f *browser.Frame) *browser.Frame {
	if c.Responder != nil {
		return c.Responder(f)
	}
	return &browser.Frame{ID: f.ID, Result: json.RawMessage(`{}`)}
}

// Read implements browser.Channel. It blocks until a frame has been queued
// via Push or the result of a Write, or the channel is closed.
func (c *Channel) Read() (*browser.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.events) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.events) == 0 {
		return nil, ErrClosed
	}
	f := c.events[0]
	c.events = c.events[1:]
	return f, nil
}

// Close implements browser.Channel. Idempotent; wakes any blocked Read.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	return nil
}

// Push enqueues a frame (an event, or a hand-built command result/error) to
// be delivered on the next Read. Safe to call before or after the Browser's
// pump goroutine has started.
func (c *Channel) Push(f *browser.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events = append(c.events, f)
	c.cond.Broadcast()
}

// PushEvent is a convenience wrapper around Push for the common case of
// injecting a session-scoped event.
func (c *Channel) PushEvent(sessionID, method string, params any) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	c.Push(&browser.Frame{Method: method, Params: raw, SessionID: sessionID})
}

// Written returns a snapshot of every frame handed to Write, in order.
func (c *Channel) Written() []*browser.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*browser.Frame, len(c.written))
	copy(out, c.written)
	return out
}

// LastWritten returns the most recent frame handed to Write, or nil.
func (c *Channel) LastWritten() *browser.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}
