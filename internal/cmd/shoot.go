package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/witnessgo/internal/browser"
	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/index"
	"github.com/tomasbasham/witnessgo/internal/logging"
	"github.com/tomasbasham/witnessgo/internal/ocr"
	"github.com/tomasbasham/witnessgo/internal/shoot"
	"github.com/tomasbasham/witnessgo/internal/storage"
	"github.com/tomasbasham/witnessgo/internal/workerpool"
)

// indexFlushInterval is how often index.json is rewritten while a shoot is
// in flight (spec.md §6: "rewritten every 10s and on exit").
const indexFlushInterval = 10 * time.Second

// ShootOptions defines the options for the `shoot` command.
type ShootOptions struct {
	urls []string

	File string

	Output     string
	Resolution string
	FullPage   bool

	Threads int
	Delay   time.Duration
	Timeout time.Duration

	UserAgent string
	Proxy     string
	Chrome    string

	JSON        bool
	Base64      bool
	DOM         bool
	JavaScript  bool
	Requests    bool
	Responses   bool
	OCR         bool
	IgnoreTypes []string

	NoScreenshots bool
	GCSBucket     string

	Silent  bool
	Debug   bool
	NoColor bool

	iooption.IOStreams
}

var (
	shootLong = templates.LongDesc(`
		Screenshot one or more URLs using a shared headless Chromium instance.
		URLs may be given positionally or read, one per line, from a file
		with --file.`)

	shootExample = templates.Examples(`
		# Screenshot a single URL
		witness shoot https://example.com --output ./out

		# Screenshot a list of URLs at higher concurrency, recording the DOM
		witness shoot --file urls.txt --output ./out --threads 30 --dom`)
)

// NewShootOptions provides an initialised ShootOptions instance.
func NewShootOptions(streams iooption.IOStreams) *ShootOptions {
	return &ShootOptions{
		IOStreams: streams,
	}
}

// NewShootCommand creates the `shoot` command.
func NewShootCommand(o *ShootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "shoot [urls...]",
		DisableFlagsInUseLine: true,
		Short:                 "Screenshot one or more URLs",
		Long:                  shootLong,
		Example:               shootExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	pflags := cmd.Flags()
	pflags.StringVarP(&o.Output, "output", "o", "", "Output directory (required)")
	pflags.StringVarP(&o.File, "file", "f", "", "Path to a file of URLs, one per line")
	pflags.StringVar(&o.Resolution, "resolution", "1440x900", "Viewport resolution as WxH")
	pflags.BoolVar(&o.FullPage, "full-page", false, "Capture the full scrollable page, not just the viewport")
	pflags.IntVar(&o.Threads, "threads", config.DefaultThreads, "Number of concurrent tabs")
	pflags.DurationVar(&o.Delay, "delay", config.DefaultDelay, "Idle time required after load before capturing")
	pflags.DurationVar(&o.Timeout, "timeout", config.DefaultTimeout, "Upper bound on a single URL end-to-end")
	pflags.StringVar(&o.UserAgent, "user-agent", config.DefaultUserAgent, "User-Agent header sent with every request")
	pflags.StringVar(&o.Proxy, "proxy", "", "Upstream proxy URI")
	pflags.StringVar(&o.Chrome, "chrome", "", "Path to the Chromium/Chrome binary (default: probe PATH)")
	pflags.BoolVar(&o.JSON, "json", false, "Write a per-URL JSON projection alongside the screenshot")
	pflags.BoolVar(&o.Base64, "base64", false, "Include the screenshot as base64 in the JSON projection")
	pflags.BoolVar(&o.DOM, "dom", false, "Include the rendered DOM in the JSON projection")
	pflags.BoolVar(&o.JavaScript, "javascript", false, "Fetch and include parsed script sources")
	pflags.BoolVar(&o.Requests, "requests", false, "Include request metadata in the network log")
	pflags.BoolVar(&o.Responses, "responses", false, "Include response metadata (and bodies) in the network log")
	pflags.BoolVar(&o.OCR, "ocr", false, "Recognize text in the screenshot")
	pflags.StringSliceVar(&o.IgnoreTypes, "ignore-types", nil, "Resource types to exclude from the network log (default: image,media,font,stylesheet)")
	pflags.BoolVar(&o.NoScreenshots, "no-screenshots", false, "Render each page but skip persisting the PNG")
	pflags.StringVar(&o.GCSBucket, "gcs-bucket", "", "Upload artefacts to this GCS bucket instead of --output")
	pflags.BoolVar(&o.Silent, "silent", false, "Suppress all log output")
	pflags.BoolVar(&o.Debug, "debug", false, "Enable debug-level logging")
	pflags.BoolVar(&o.NoColor, "no-color", false, "Disable colored log output")

	return cmd
}

// Complete resolves the URL list from positional args and/or --file.
func (o *ShootOptions) Complete(cmd *cobra.Command, args []string) error {
	o.urls = append(o.urls, args...)

	if o.File != "" {
		data, err := os.ReadFile(o.File)
		if err != nil {
			return fmt.Errorf("failed to read url file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			o.urls = append(o.urls, line)
		}
	}

	return nil
}

// Validate checks invariants that are cheap to check eagerly, before a
// browser process is ever launched.
func (o *ShootOptions) Validate() error {
	if len(o.urls) == 0 {
		return fmt.Errorf("at least one URL is required, positionally or via --file")
	}
	if o.Output == "" {
		return fmt.Errorf("--output is required")
	}
	return nil
}

// Run launches the browser, fans the URL list out across Threads tabs, and
// persists every result.
func (o *ShootOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := o.config()
	if err != nil {
		return err
	}

	log := o.logger()

	uploader, err := o.uploader(ctx)
	if err != nil {
		return err
	}

	idx := index.NewWriter(filepath.Join(o.Output, "index.json"))
	indexCtx, stopIndex := context.WithCancel(context.Background())
	indexDone := make(chan struct{})
	go func() {
		defer close(indexDone)
		idx.Run(indexCtx, indexFlushInterval)
	}()
	defer func() {
		stopIndex()
		<-indexDone
	}()

	b := browser.New(cfg, log)
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer b.Stop()

	runner := &shoot.Runner{
		Browser:       b,
		Config:        cfg,
		Log:           log,
		Uploader:      uploader,
		Index:         idx,
		WriteJSON:     o.JSON,
		NoScreenshots: o.NoScreenshots,
		OCR:           ocr.Noop{},
	}

	failed := 0
	results := workerpool.Run(ctx, o.Threads, o.urls, func(ctx context.Context, url string) (bool, error) {
		rec, err := runner.Shoot(ctx, url)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(o.Out, "%s -> %s [%d]\n", url, rec.FinalURL(), rec.StatusCode())
		return true, nil
	})

	for r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(o.ErrOut, "%s: %v\n", r.Arg, r.Err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d urls failed", failed, len(o.urls))
	}
	return nil
}

func (o *ShootOptions) config() (config.Config, error) {
	cfg := config.New()

	w, h, err := config.ParseResolution(o.Resolution)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Width = w
	cfg.Height = h
	cfg.FullPage = o.FullPage

	if o.Threads > 0 {
		cfg.Threads = o.Threads
	}
	cfg.Delay = o.Delay
	cfg.Timeout = o.Timeout

	cfg.UserAgent = o.UserAgent
	cfg.Proxy = o.Proxy
	cfg.ChromePath = o.Chrome

	cfg.CaptureDOM = o.DOM
	cfg.CaptureScripts = o.JavaScript
	cfg.CaptureRequests = o.Requests
	cfg.CaptureResponses = o.Responses
	cfg.CaptureBase64 = o.Base64
	cfg.CaptureOCR = o.OCR

	if len(o.IgnoreTypes) > 0 {
		cfg.IgnoreTypes = config.IgnoreTypesFromSlice(o.IgnoreTypes)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o *ShootOptions) logger() logging.Logger {
	if o.Silent {
		return logging.Discard()
	}
	return logging.Console(o.ErrOut, o.Debug, o.NoColor)
}

func (o *ShootOptions) uploader(ctx context.Context) (storage.Uploader, error) {
	if o.GCSBucket != "" {
		u, err := storage.NewGCSUploader(ctx, o.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise GCS uploader: %w", err)
		}
		return u, nil
	}
	u, err := storage.NewLocalUploader(o.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise local uploader: %w", err)
	}
	return u, nil
}
