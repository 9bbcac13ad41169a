package browser_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/witnessgo/internal/browser"
	"github.com/tomasbasham/witnessgo/internal/browser/browsertest"
	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/logging"
)

func testCapabilities() map[string][]string {
	return map[string][]string{
		"Page":    {"navigate", "captureScreenshot"},
		"Target":  {"createTarget", "attachToTarget", "closeTarget"},
		"Network": {"getResponseBody"},
	}
}

func newTestBrowser(t *testing.T) (*browser.Browser, *browsertest.Channel) {
	t.Helper()
	ch := browsertest.New()
	b := browser.NewWithChannel(config.New(), logging.Discard(), ch, testCapabilities())
	t.Cleanup(func() { _ = b.Stop() })
	return b, ch
}

// Every request gets a unique id, and the result for id N is routed back to
// the caller that sent id N, even when responses race.
func TestRequest_IDsAreUniqueAndMatched(t *testing.T) {
	b, ch := newTestBrowser(t)
	ch.Responder = func(f *browser.Frame) *browser.Frame {
		return &browser.Frame{ID: f.ID, Result: json.RawMessage(fmt.Sprintf(`{"echo":%d}`, f.ID))}
	}

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	echoes := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Request(context.Background(), "Page.navigate", "session-a", map[string]any{"url": "https://example.com"})
			errs[i] = err
			var r struct{ Echo int64 }
			if err == nil && json.Unmarshal(res, &r) == nil {
				echoes[i] = r.Echo
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "request %d", i)
	}

	sent := make(map[int64]bool)
	for _, f := range ch.Written() {
		assert.Falsef(t, sent[f.ID], "id %d sent twice", f.ID)
		sent[f.ID] = true
	}
	assert.Len(t, sent, n)

	got := make(map[int64]bool)
	for i, id := range echoes {
		assert.Truef(t, sent[id], "request %d got result for unsent id %d", i, id)
		assert.Falsef(t, got[id], "result for id %d delivered twice", id)
		got[id] = true
	}
}

// A command for an unsupported domain or method is rejected before it ever
// reaches the wire.
func TestRequest_CapabilityGating(t *testing.T) {
	b, ch := newTestBrowser(t)

	_, err := b.Request(context.Background(), "Storage.clearDataForOrigin", "", nil)
	require.Error(t, err)
	assert.Empty(t, ch.Written(), "unsupported domain must never be written to the channel")

	_, err = b.Request(context.Background(), "Page.bogusCommand", "", nil)
	require.Error(t, err)
	assert.Empty(t, ch.Written(), "unsupported command must never be written to the channel")

	_, err = b.Request(context.Background(), "Page.navigate", "", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Len(t, ch.Written(), 1, "supported command is written exactly once")
}

// A malformed method (no "Domain.command" shape) is also rejected up front.
func TestRequest_MalformedMethod(t *testing.T) {
	b, ch := newTestBrowser(t)

	_, err := b.Request(context.Background(), "not-a-method", "", nil)
	require.Error(t, err)
	assert.Empty(t, ch.Written())
}

// Events are delivered only to the sink registered for their session, and
// never cross-delivered to another tab's sink.
func TestEvents_RoutedBySession(t *testing.T) {
	b, ch := newTestBrowser(t)

	var muA, muB sync.Mutex
	var gotA, gotB []string

	sinkA := sinkFunc(func(method string, _ []byte) {
		muA.Lock()
		defer muA.Unlock()
		gotA = append(gotA, method)
	})
	sinkB := sinkFunc(func(method string, _ []byte) {
		muB.Lock()
		defer muB.Unlock()
		gotB = append(gotB, method)
	})

	b.RegisterSink("session-a", sinkA)
	b.RegisterSink("session-b", sinkB)

	ch.PushEvent("session-a", "Page.loadEventFired", nil)
	ch.PushEvent("session-b", "Page.frameNavigated", nil)
	ch.PushEvent("session-a", "Network.requestWillBeSent", map[string]any{"requestId": "1"})

	waitFor(t, func() bool {
		muA.Lock()
		muB.Lock()
		defer muA.Unlock()
		defer muB.Unlock()
		return len(gotA) == 2 && len(gotB) == 1
	})

	muA.Lock()
	assert.Equal(t, []string{"Page.loadEventFired", "Network.requestWillBeSent"}, gotA)
	muA.Unlock()

	muB.Lock()
	assert.Equal(t, []string{"Page.frameNavigated"}, gotB)
	muB.Unlock()
}

// An event for a session with no registered sink is silently dropped rather
// than delivered anywhere or causing an error, except that it must not panic
// or wedge the pump.
func TestEvents_UnregisteredSessionDropped(t *testing.T) {
	b, ch := newTestBrowser(t)

	ch.PushEvent("no-such-session", "Page.loadEventFired", nil)
	ch.PushEvent("no-such-session", "Inspector.detached", nil) // benign unrouted event, must not log loudly

	// Prove the pump is still alive by issuing a request afterwards.
	_, err := b.Request(context.Background(), "Page.navigate", "session-a", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
}

// A session-less event (no sessionId on the frame at all) is not routed
// anywhere; it must not be confused with a malformed response, nor delivered
// to any registered sink.
func TestEvents_SessionlessEventIgnored(t *testing.T) {
	b, ch := newTestBrowser(t)

	var called bool
	b.RegisterSink("session-a", sinkFunc(func(string, []byte) { called = true }))

	ch.Push(&browser.Frame{Method: "Target.targetInfoChanged"})

	// Prove the pump kept running afterwards rather than wedging.
	_, err := b.Request(context.Background(), "Target.createTarget", "", map[string]any{"url": "about:blank"})
	require.NoError(t, err)

	assert.False(t, called)
}

// Events for a single session arrive at that session's sink in the order
// they were produced by the engine.
func TestEvents_PerSessionOrdering(t *testing.T) {
	b, ch := newTestBrowser(t)

	var mu sync.Mutex
	var got []string
	b.RegisterSink("session-a", sinkFunc(func(method string, _ []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, method)
	}))

	methods := []string{
		"Network.requestWillBeSent",
		"Network.responseReceived",
		"Network.loadingFinished",
		"Page.loadEventFired",
	}
	for _, m := range methods {
		ch.PushEvent("session-a", m, nil)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(methods)
	})

	mu.Lock()
	assert.Equal(t, methods, got)
	mu.Unlock()
}

// Stop is idempotent and leaves the browser's bookkeeping empty: no sinks,
// no pending requests left dangling, and any request issued afterwards fails
// immediately rather than hanging.
func TestStop_IsIdempotentAndCleansUp(t *testing.T) {
	ch := browsertest.New()
	b := browser.NewWithChannel(config.New(), logging.Discard(), ch, testCapabilities())

	b.RegisterSink("session-a", sinkFunc(func(string, []byte) {}))

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop(), "second Stop must be a no-op, not an error")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "Page.navigate", "session-a", nil)
	assert.Error(t, err, "requests after Stop must fail rather than hang")
}

// A request still in flight when the channel is closed underneath it is
// failed rather than left to block forever.
func TestRequest_FailsWhenChannelCloses(t *testing.T) {
	ch := browsertest.New()
	ch.Responder = func(f *browser.Frame) *browser.Frame { return nil } // never answer
	b := browser.NewWithChannel(config.New(), logging.Discard(), ch, testCapabilities())
	t.Cleanup(func() { _ = b.Stop() })

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "Page.navigate", "session-a", nil)
		done <- err
	}()

	// Give the request a moment to register, then sever the channel.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not unblock after channel close")
	}
}

// A context deadline exceeded while waiting on a command is surfaced as a
// timeout and is never retried, unlike a retryable protocol error.
func TestRequest_ContextDeadlineNotRetried(t *testing.T) {
	ch := browsertest.New()
	ch.Responder = func(f *browser.Frame) *browser.Frame { return nil } // never answer
	b := browser.NewWithChannel(config.New(), logging.Discard(), ch, testCapabilities())
	t.Cleanup(func() { _ = b.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Request(ctx, "Page.navigate", "session-a", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 1*time.Second, "a context timeout must not be retried with backoff")
}

type sinkFunc func(method string, params []byte)

func (f sinkFunc) Dispatch(method string, params []byte) { f(method, params) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var _ io.Closer = (*browsertest.Channel)(nil)
