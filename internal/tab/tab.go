// Package tab implements one virtual page: target/session attach, the
// page-settled state machine, event ingestion, and screenshot/DOM capture.
// See spec.md §4.2. A Tab is exclusively owned by its Browser's session map
// (spec.md §9); it holds only a driver handle back-reference, never the
// reverse.
package tab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tomasbasham/witnessgo/internal/browser"
	"github.com/tomasbasham/witnessgo/internal/capture"
	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/logging"
	"github.com/tomasbasham/witnessgo/internal/werrors"
)

// tokens is the bounded concurrency budget for a tab's follow-up calls
// (response-body and script-source fetches), spec.md §4.2's "bounded
// concurrency token (e.g., 25)".
const tokens = 25

// eventQueueSize bounds the tab's inbound event queue. It is generous enough
// that a real page load never fills it; Dispatch drops (and logs) rather
// than blocking the browser's single event pump if it ever does.
const eventQueueSize = 4096

// Tab is one virtual page multiplexed over a shared Browser.
type Tab struct {
	b   *browser.Browser
	cfg config.Config
	log logging.Logger

	record *capture.Record

	targetID  string
	sessionID string

	events     chan eventFrame
	stopWorker chan struct{}
	workerDone chan struct{}

	sem *semaphore.Weighted

	mu         sync.Mutex
	pageLoaded bool
	lastActive time.Time
	startedAt  time.Time

	closeOnce sync.Once
	closeErr  error
}

// New builds a Tab for url. Create must be called before Navigate.
func New(b *browser.Browser, cfg config.Config, log logging.Logger, url string) *Tab {
	return &Tab{
		b:          b,
		cfg:        cfg,
		log:        log.With().Str("component", "tab").Str("url", url).Logger(),
		record:     capture.New(url),
		events:     make(chan eventFrame, eventQueueSize),
		stopWorker: make(chan struct{}),
		workerDone: make(chan struct{}),
		sem:        semaphore.NewWeighted(tokens),
	}
}

// Record returns the tab's capture record.
func (t *Tab) Record() *capture.Record {
	return t.record
}

// Create opens this tab's event worker, then, under the browser's
// activation lock, creates a target and attaches a session to it, and
// enables the protocol domains configuration requires.
func (t *Tab) Create(ctx context.Context) error {
	go t.runEventWorker()

	lock := t.b.ActivationLock()
	lock.Lock()
	defer lock.Unlock()

	res, err := t.b.Request(ctx, "Target.createTarget", "", map[string]any{"url": "about:blank"})
	if err != nil {
		return err
	}
	var created createTargetResult
	if err := json.Unmarshal(res, &created); err != nil {
		return fmt.Errorf("tab: parse createTarget result: %w", err)
	}
	t.targetID = created.TargetID

	res, err = t.b.Request(ctx, "Target.attachToTarget", "", map[string]any{"targetId": t.targetID, "flatten": true})
	if err != nil {
		return err
	}
	var attached attachToTargetResult
	if err := json.Unmarshal(res, &attached); err != nil {
		return fmt.Errorf("tab: parse attachToTarget result: %w", err)
	}
	t.sessionID = attached.SessionID

	t.b.RegisterSink(t.sessionID, t)

	if _, err := t.b.Request(ctx, "Page.enable", t.sessionID, nil); err != nil {
		return err
	}
	if _, err := t.b.Request(ctx, "Network.enable", t.sessionID, nil); err != nil {
		return err
	}
	if t.cfg.CaptureScripts {
		if _, err := t.b.Request(ctx, "Debugger.enable", t.sessionID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Navigate issues the navigation command and runs the settle algorithm,
// blocking until the page is deemed ready for capture or ctx expires.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()

	_, err := t.b.Request(ctx, "Emulation.setDeviceMetricsOverride", t.sessionID, map[string]any{
		"width":             t.cfg.Width,
		"height":            t.cfg.Height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	})
	if err != nil {
		return err
	}

	if _, err := t.b.Request(ctx, "Page.navigate", t.sessionID, map[string]any{"url": url}); err != nil {
		return err
	}

	return t.settle(ctx)
}

// settle blocks in 100ms ticks until either the page has loaded and been
// quiet for 1s, or the effective delay budget (spec.md §9:
// min(delay, timeout-elapsed), with elapsed taken once when settling
// begins) is exhausted.
func (t *Tab) settle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	t.mu.Lock()
	budget := t.cfg.EffectiveDelay(time.Since(t.startedAt))
	t.mu.Unlock()
	settleStart := time.Now()

	for {
		t.mu.Lock()
		loaded := t.pageLoaded
		idle := time.Since(t.lastActive)
		t.mu.Unlock()

		if loaded && idle >= time.Second {
			return nil
		}
		if time.Since(settleStart) >= budget {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			t.record.MarkTimedOut()
			return &werrors.TimeoutError{Op: "navigate", Timeout: t.cfg.Timeout.String()}
		}
	}
}

// Capture takes the screenshot, the title, and (if enabled) the DOM under
// the browser's activation lock so the single headless viewport's contents
// match this tab.
func (t *Tab) Capture(ctx context.Context) error {
	lock := t.b.ActivationLock()
	lock.Lock()
	defer lock.Unlock()

	if _, err := t.b.Request(ctx, "Target.activateTarget", "", map[string]any{"targetId": t.targetID}); err != nil {
		return err
	}

	params := map[string]any{"format": "png", "quality": 100}
	if t.cfg.FullPage {
		params["captureBeyondViewport"] = true
	}
	res, err := t.b.Request(ctx, "Page.captureScreenshot", t.sessionID, params)
	if err != nil {
		return err
	}
	var shot captureScreenshotResult
	if err := json.Unmarshal(res, &shot); err != nil {
		return fmt.Errorf("tab: parse captureScreenshot result: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return fmt.Errorf("tab: decode screenshot: %w", err)
	}
	t.record.SetImage(raw)

	if t.cfg.CaptureDOM {
		if err := t.captureDOM(ctx); err != nil {
			t.log.Debug().Err(err).Msg("dom capture failed")
		}
	}

	if err := t.captureTitle(ctx); err != nil {
		t.log.Debug().Err(err).Msg("title capture failed")
	}

	return nil
}

func (t *Tab) captureDOM(ctx context.Context) error {
	res, err := t.b.Request(ctx, "DOM.getDocument", t.sessionID, nil)
	if err != nil {
		return err
	}
	var doc getDocumentResult
	if err := json.Unmarshal(res, &doc); err != nil {
		return fmt.Errorf("tab: parse getDocument result: %w", err)
	}

	res, err = t.b.Request(ctx, "DOM.getOuterHTML", t.sessionID, map[string]any{"nodeId": doc.Root.NodeID})
	if err != nil {
		return err
	}
	var outer getOuterHTMLResult
	if err := json.Unmarshal(res, &outer); err != nil {
		return fmt.Errorf("tab: parse getOuterHTML result: %w", err)
	}
	t.record.SetDOM(outer.OuterHTML)
	return nil
}

// captureTitle reads the title of the current entry in the navigation
// history, which the debugging protocol tracks independently of the
// Network-domain navigation log the event worker builds.
func (t *Tab) captureTitle(ctx context.Context) error {
	res, err := t.b.Request(ctx, "Page.getNavigationHistory", t.sessionID, nil)
	if err != nil {
		return err
	}
	var hist navigationHistoryResult
	if err := json.Unmarshal(res, &hist); err != nil {
		return fmt.Errorf("tab: parse getNavigationHistory result: %w", err)
	}
	if hist.CurrentIndex < 0 || hist.CurrentIndex >= len(hist.Entries) {
		return nil
	}
	t.record.SetTitle(hist.Entries[hist.CurrentIndex].Title)
	return nil
}

// AwaitQuiescent blocks until every in-flight follow-up call (response-body
// or script-source fetch) this tab dispatched has returned, or ctx expires.
// It is the "all event tokens returned" condition capture.Record.JSON waits
// on before projecting the network log.
func (t *Tab) AwaitQuiescent(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, tokens); err != nil {
		return err
	}
	t.sem.Release(tokens)
	return nil
}

// Close deregisters the tab before issuing Target.closeTarget, so
// late-arriving events are silently dropped rather than routed to a tab
// mid-teardown. Idempotent.
func (t *Tab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		if t.sessionID != "" {
			t.b.UnregisterSink(t.sessionID)
		}
		close(t.stopWorker)
		<-t.workerDone

		if t.targetID != "" {
			_, t.closeErr = t.b.Request(ctx, "Target.closeTarget", "", map[string]any{"targetId": t.targetID})
		}
	})
	return t.closeErr
}

// Dispatch implements the browser's eventSink interface. It never blocks:
// a full queue drops the event (logged) rather than stalling the browser's
// single event pump and, transitively, every other tab.
func (t *Tab) Dispatch(method string, params []byte) {
	cp := append([]byte(nil), params...)
	select {
	case t.events <- eventFrame{method: method, params: cp}:
	default:
		t.log.Debug().Str("method", method).Msg("tab event queue full, dropping event")
	}
}

func (t *Tab) runEventWorker() {
	defer close(t.workerDone)
	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev.method, ev.params)
		case <-t.stopWorker:
			t.drainEvents()
			return
		}
	}
}

func (t *Tab) drainEvents() {
	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev.method, ev.params)
		default:
			return
		}
	}
}

func (t *Tab) handleEvent(method string, params []byte) {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()

	switch method {
	case "Page.loadEventFired":
		t.mu.Lock()
		t.pageLoaded = true
		t.lastActive = time.Now()
		t.mu.Unlock()

	case "Network.requestWillBeSent":
		t.handleRequestWillBeSent(params)

	case "Network.responseReceived":
		t.handleResponseReceived(params)

	case "Debugger.scriptParsed":
		if t.cfg.CaptureScripts {
			t.handleScriptParsed(params)
		}
	}
}

func (t *Tab) ignored(resourceType string) bool {
	_, ok := t.cfg.IgnoreTypes[strings.ToLower(resourceType)]
	return ok
}

func (t *Tab) handleRequestWillBeSent(params []byte) {
	var p requestWillBeSentParams
	if err := json.Unmarshal(params, &p); err != nil {
		t.log.Debug().Err(err).Msg("malformed Network.requestWillBeSent")
		return
	}

	if p.RedirectResponse != nil && strings.EqualFold(p.Type, "document") {
		t.record.AppendNavigation(capture.NavEntry{
			URL:      p.RedirectResponse.URL,
			Status:   p.RedirectResponse.Status,
			MIME:     p.RedirectResponse.MimeType,
			Location: p.Request.URL,
		})
	}

	if t.ignored(p.Type) {
		return
	}
	t.record.RecordRequest(p.RequestID, p.Type, capture.RequestInfo{URL: p.Request.URL, Method: p.Request.Method})
}

func (t *Tab) handleResponseReceived(params []byte) {
	var p responseReceivedParams
	if err := json.Unmarshal(params, &p); err != nil {
		t.log.Debug().Err(err).Msg("malformed Network.responseReceived")
		return
	}

	// Only document-typed responses belong in the navigation chain; a script,
	// XHR, or other subresource response arriving after the document would
	// otherwise overwrite FinalURL/StatusCode with its own.
	if strings.EqualFold(p.Type, "document") {
		t.record.AppendNavigation(capture.NavEntry{URL: p.Response.URL, Status: p.Response.Status, MIME: p.Response.MimeType})
	}

	if t.ignored(p.Type) {
		return
	}
	t.record.RecordResponse(p.RequestID, p.Type, capture.ResponseInfo{URL: p.Response.URL, Status: p.Response.Status, MIME: p.Response.MimeType})

	if t.cfg.CaptureResponses {
		t.fetchResponseBody(p.RequestID)
	}
}

func (t *Tab) handleScriptParsed(params []byte) {
	var p scriptParsedParams
	if err := json.Unmarshal(params, &p); err != nil {
		t.log.Debug().Err(err).Msg("malformed Debugger.scriptParsed")
		return
	}
	t.fetchScriptSource(p.ScriptID, p.URL)
}

// fetchResponseBody acquires a follow-up token and fetches the response body
// off the serial event worker, so a slow fetch doesn't stall ingestion of
// subsequent events for this tab. Retry-on-transient-failure is the
// browser's own Request retry loop (spec.md §4.1), not reimplemented here.
func (t *Tab) fetchResponseBody(requestID string) {
	if err := t.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer t.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
		defer cancel()

		res, err := t.b.Request(ctx, "Network.getResponseBody", t.sessionID, map[string]any{"requestId": requestID})
		if err != nil {
			t.log.Debug().Err(err).Str("request_id", requestID).Msg("response body fetch failed")
			return
		}
		var body getResponseBodyResult
		if err := json.Unmarshal(res, &body); err != nil {
			return
		}

		entry := t.record.NetworkEntry(requestID)
		if entry == nil || entry.Response == nil {
			return
		}
		resp := *entry.Response
		resp.Body = body.Body
		resp.BodyBase64 = body.Base64Encoded
		t.record.RecordResponse(requestID, entry.Type, resp)
	}()
}

func (t *Tab) fetchScriptSource(scriptID, url string) {
	if err := t.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer t.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
		defer cancel()

		res, err := t.b.Request(ctx, "Debugger.getScriptSource", t.sessionID, map[string]any{"scriptId": scriptID})
		if err != nil {
			t.log.Debug().Err(err).Str("script_id", scriptID).Msg("script source fetch failed")
			return
		}
		var src getScriptSourceResult
		if err := json.Unmarshal(res, &src); err != nil {
			return
		}
		t.record.AppendScript(capture.Script{URL: url, Source: src.ScriptSource})
	}()
}
