package shoot_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/witnessgo/internal/browser"
	"github.com/tomasbasham/witnessgo/internal/browser/browsertest"
	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/index"
	"github.com/tomasbasham/witnessgo/internal/logging"
	"github.com/tomasbasham/witnessgo/internal/shoot"
	"github.com/tomasbasham/witnessgo/internal/storage"
)

const onePxPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNk+A8AAQUBAScY42YAAAAASUVORK5CYII="

func fullCapabilities() map[string][]string {
	return map[string][]string{
		"Target":    {"createTarget", "attachToTarget", "activateTarget", "closeTarget"},
		"Page":      {"enable", "navigate", "captureScreenshot", "getNavigationHistory"},
		"Emulation": {"setDeviceMetricsOverride"},
		"Network":   {"enable", "getResponseBody"},
		"Debugger":  {"enable", "getScriptSource"},
		"DOM":       {"getDocument", "getOuterHTML"},
	}
}

func stockResponder(t *testing.T) func(f *browser.Frame) *browser.Frame {
	return func(f *browser.Frame) *browser.Frame {
		switch f.Method {
		case "Target.createTarget":
			return jsonResult(t, f.ID, map[string]any{"targetId": "target-1"})
		case "Target.attachToTarget":
			return jsonResult(t, f.ID, map[string]any{"sessionId": "session-1"})
		case "Page.captureScreenshot":
			return jsonResult(t, f.ID, map[string]any{"data": onePxPNG})
		case "Page.getNavigationHistory":
			return jsonResult(t, f.ID, map[string]any{
				"currentIndex": 0,
				"entries":      []map[string]any{{"title": "frankie"}},
			})
		default:
			return &browser.Frame{ID: f.ID, Result: json.RawMessage(`{}`)}
		}
	}
}

func jsonResult(t *testing.T, id int64, v any) *browser.Frame {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return &browser.Frame{ID: id, Result: b}
}

// waitForWrite blocks until method has been written to ch, so a test can
// inject an event only once the tab has actually subscribed to receive it.
func waitForWrite(t *testing.T, ch *browsertest.Channel, method string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range ch.Written() {
			if f.Method == method {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be written", method)
}

// TestRunner_ShootPersistsScreenshotAndIndexRow exercises the whole pipeline
// end to end against the fake transport: navigate, capture, upload the PNG,
// and record an index entry.
func TestRunner_ShootPersistsScreenshotAndIndexRow(t *testing.T) {
	cfg := config.New()
	cfg.Delay = 200 * time.Millisecond
	cfg.Timeout = 3 * time.Second

	ch := browsertest.New()
	ch.Responder = stockResponder(t)
	b := browser.NewWithChannel(cfg, logging.Discard(), ch, fullCapabilities())
	t.Cleanup(func() { _ = b.Stop() })

	dir := t.TempDir()
	uploader, err := storage.NewLocalUploader(dir)
	require.NoError(t, err)

	idx := index.NewWriter(filepath.Join(dir, "index.json"))

	r := &shoot.Runner{
		Browser:  b,
		Config:   cfg,
		Log:      logging.Discard(),
		Uploader: uploader,
		Index:    idx,
	}

	navDone := make(chan struct{})
	go func() {
		defer close(navDone)
		waitForWrite(t, ch, "Network.enable")
		ch.PushEvent("session-1", "Page.loadEventFired", nil)
	}()

	rec, err := r.Shoot(context.Background(), "http://example.com/")
	<-navDone
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotEmpty(t, rec.PerceptionHash())

	_, statErr := os.Stat(filepath.Join(dir, rec.Filename()))
	assert.NoError(t, statErr, "screenshot should have been uploaded to disk")

	require.NoError(t, idx.Flush())
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "frankie")
}

func TestRunner_ShootSkipsScreenshotUploadWhenDisabled(t *testing.T) {
	cfg := config.New()
	cfg.Delay = 100 * time.Millisecond
	cfg.Timeout = 2 * time.Second

	ch := browsertest.New()
	ch.Responder = stockResponder(t)
	b := browser.NewWithChannel(cfg, logging.Discard(), ch, fullCapabilities())
	t.Cleanup(func() { _ = b.Stop() })

	dir := t.TempDir()
	uploader, err := storage.NewLocalUploader(dir)
	require.NoError(t, err)

	r := &shoot.Runner{
		Browser:       b,
		Config:        cfg,
		Log:           logging.Discard(),
		Uploader:      uploader,
		NoScreenshots: true,
	}

	rec, err := r.Shoot(context.Background(), "http://example.com/")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no screenshot should be written when NoScreenshots is set")
	assert.NotEmpty(t, rec.Image(), "the tab still renders a frame even if it isn't persisted")
}
