package capture

import (
	"encoding/base64"
	"encoding/json"

	"github.com/tomasbasham/witnessgo/internal/config"
)

// Projection is the JSON-serializable view of a Record, shaped by which
// optional artifacts configuration enabled.
type Projection struct {
	URL            string          `json:"url"`
	FinalURL       string          `json:"final_url"`
	StatusCode     int64           `json:"status_code"`
	Title          string          `json:"title,omitempty"`
	Filename       string          `json:"filename"`
	TimedOut       bool            `json:"timed_out,omitempty"`
	Base64Blob     string          `json:"base64_blob,omitempty"`
	PerceptionHash string          `json:"perception_hash,omitempty"`
	OCRText        string          `json:"ocr_text,omitempty"`
	DOM            string          `json:"dom,omitempty"`
	Navigation     []NavEntry      `json:"navigation_history,omitempty"`
	Network        []NetworkRecord `json:"network,omitempty"`
	Scripts        []Script        `json:"scripts,omitempty"`
}

// NetworkRecord is one request-id's network log entry, flattened for stable
// JSON array ordering (maps don't preserve insertion order through
// encoding/json).
type NetworkRecord struct {
	RequestID string `json:"request_id"`
	NetworkEntry
}

// JSON builds the record's JSON projection for cfg. awaitQuiescent, if
// non-nil, is called first and must block until every in-flight follow-up
// call (e.g. a response-body fetch) the tab dispatched has returned — spec.md
// §4.4's "all event tokens returned" condition — so a capture taken
// immediately after settle doesn't race a still-pending Network.getResponseBody.
func (r *Record) JSON(cfg config.Config, awaitQuiescent func()) ([]byte, error) {
	if awaitQuiescent != nil {
		awaitQuiescent()
	}
	return json.Marshal(r.Projection(cfg))
}

// Projection builds the plain-struct view without marshaling it, for callers
// that want to inspect or further transform it.
func (r *Record) Projection(cfg config.Config) Projection {
	r.mu.Lock()
	url := r.url
	title := r.title
	timedOut := r.timedOut
	dom := r.dom
	hasDOM := r.hasDOM
	image := append([]byte(nil), r.image...)
	perceptionHash := r.perceptionHash
	ocrText := r.ocrText
	nav := make([]NavEntry, len(r.navigation))
	copy(nav, r.navigation)
	order := make([]string, len(r.networkOrder))
	copy(order, r.networkOrder)
	net := make(map[string]NetworkEntry, len(r.network))
	for id, e := range r.network {
		net[id] = *e
	}
	r.mu.Unlock()

	p := Projection{
		URL:            url,
		FinalURL:       r.FinalURL(),
		StatusCode:     r.StatusCode(),
		Title:          title,
		Filename:       r.Filename(),
		TimedOut:       timedOut,
		PerceptionHash: perceptionHash,
	}

	if cfg.CaptureOCR {
		p.OCRText = ocrText
	}

	if cfg.CaptureDOM && hasDOM {
		p.DOM = dom
	}

	if cfg.CaptureBase64 && len(image) > 0 {
		p.Base64Blob = base64.StdEncoding.EncodeToString(image)
	}

	if cfg.CaptureRequests || cfg.CaptureResponses {
		p.Network = make([]NetworkRecord, 0, len(order))
		for _, id := range order {
			e, ok := net[id]
			if !ok {
				continue
			}
			if !cfg.CaptureRequests {
				e.Request = nil
			}
			if !cfg.CaptureResponses {
				e.Response = nil
			}
			p.Network = append(p.Network, NetworkRecord{RequestID: id, NetworkEntry: e})
		}
	}

	if cfg.CaptureScripts {
		p.Scripts = r.Scripts()
	}

	if len(nav) > 0 {
		p.Navigation = nav
	}

	return p
}
