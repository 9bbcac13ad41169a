// Package shoot orchestrates one URL through the browser and tab layers and
// persists the result: the PNG screenshot, an optional per-URL JSON
// projection, and an index.json row. It is the CLI-facing equivalent of the
// teacher's capture.Capture entry point, rebuilt around spec.md's tab/record
// model instead of a HAR document.
package shoot

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tomasbasham/witnessgo/internal/browser"
	"github.com/tomasbasham/witnessgo/internal/capture"
	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/imagehash"
	"github.com/tomasbasham/witnessgo/internal/index"
	"github.com/tomasbasham/witnessgo/internal/logging"
	"github.com/tomasbasham/witnessgo/internal/ocr"
	"github.com/tomasbasham/witnessgo/internal/storage"
	"github.com/tomasbasham/witnessgo/internal/tab"
)

// Runner visits one URL at a time against a shared Browser, persisting
// artefacts through uploader and recording a summary row in idx.
type Runner struct {
	Browser  *browser.Browser
	Config   config.Config
	Log      logging.Logger
	Uploader storage.Uploader
	Index    *index.Writer

	// WriteJSON, if true, also uploads a per-URL JSON projection alongside
	// the screenshot (--json).
	WriteJSON bool

	// NoScreenshots skips the PNG upload, matching --no-screenshots: the
	// browser still renders the page (captureTitle, navigation history, and
	// any other enabled artifacts still need a rendered frame) but the image
	// itself is never persisted.
	NoScreenshots bool

	// OCR, if set, recognizes text in the screenshot before the record is
	// projected. A Noop engine (the package default) always reports
	// ocr.ErrUnavailable, so --ocr without a real engine wired in simply
	// yields no text rather than failing the shoot.
	OCR ocr.Engine
}

// Shoot drives url through a fresh Tab and persists the resulting record.
// It always returns a *capture.Record, even on error, so a caller can report
// partial results (e.g. TimedOut) for a failed shoot.
func (r *Runner) Shoot(ctx context.Context, url string) (*capture.Record, error) {
	t := tab.New(r.Browser, r.Config, r.Log, url)

	if err := t.Create(ctx); err != nil {
		return t.Record(), fmt.Errorf("shoot %s: create tab: %w", url, err)
	}
	defer t.Close(context.Background())

	navErr := t.Navigate(ctx, url)
	if err := t.Capture(ctx); err != nil {
		r.Log.Debug().Err(err).Str("url", url).Msg("capture failed")
	}
	if err := t.AwaitQuiescent(ctx); err != nil {
		r.Log.Debug().Err(err).Str("url", url).Msg("quiescence wait failed")
	}

	rec := t.Record()

	if png := rec.Image(); len(png) > 0 {
		if hash, err := imagehash.Hash(png); err != nil {
			r.Log.Debug().Err(err).Str("url", url).Msg("perceptual hash failed")
		} else {
			rec.SetPerceptionHash(hash)
		}

		if r.Config.CaptureOCR && r.OCR != nil {
			if text, err := r.OCR.Recognize(png); err != nil {
				r.Log.Debug().Err(err).Str("url", url).Msg("ocr recognition unavailable")
			} else {
				rec.SetOCRText(text)
			}
		}

		if !r.NoScreenshots && r.Uploader != nil {
			if _, err := r.Uploader.Upload(ctx, &storage.UploadRequest{
				ObjectName:  rec.Filename(),
				Content:     bytes.NewReader(png),
				ContentType: "image/png",
			}); err != nil {
				r.Log.Debug().Err(err).Str("url", url).Msg("screenshot upload failed")
			}
		}
	}

	if r.WriteJSON && r.Uploader != nil {
		body, err := rec.JSON(r.Config, func() {})
		if err != nil {
			r.Log.Debug().Err(err).Str("url", url).Msg("json projection failed")
		} else {
			name := filepath.Join("json", rec.Filename()[:len(rec.Filename())-len(".png")]+".json")
			if _, err := r.Uploader.Upload(ctx, &storage.UploadRequest{
				ObjectName:  name,
				Content:     bytes.NewReader(body),
				ContentType: "application/json",
			}); err != nil {
				r.Log.Debug().Err(err).Str("url", url).Msg("json upload failed")
			}
		}
	}

	if r.Index != nil {
		r.Index.Put(index.Entry{
			ID:         uuid.NewString(),
			URL:        rec.FinalURL(),
			StatusCode: rec.StatusCode(),
			Title:      rec.Title(),
		})
	}

	return rec, navErr
}
