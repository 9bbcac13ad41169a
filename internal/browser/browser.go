// Package browser owns a single headless browser subprocess, its duplex
// debugging-protocol channel, and the request multiplexer and event router
// built on top of it. It is the lowest layer described in spec.md §4.1: tabs
// (package tab) are multiplexed across one Browser.
package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomasbasham/witnessgo/internal/config"
	"github.com/tomasbasham/witnessgo/internal/logging"
	"github.com/tomasbasham/witnessgo/internal/werrors"
)

type state int32

const (
	stateNew state = iota
	stateStarting
	stateReady
	stateStopping
	stateStopped
)

// eventSink receives frames routed to a particular session. Implemented by
// *tab.Tab; kept as an interface here so package browser has no import
// dependency on package tab (tab depends on browser, not the reverse).
type eventSink interface {
	Dispatch(method string, params []byte)
}

// pendingRequest is the awaitable future for a single in-flight command.
type pendingRequest struct {
	resultCh chan *Frame
}

// Browser owns the child browser process and its debugging-protocol
// channel. It is process-wide: a single instance is shared by every Tab.
type Browser struct {
	cfg config.Config
	log logging.Logger

	binary  string
	version string
	tempDir string
	port    int

	cmd       *exec.Cmd
	stderrBuf *ringBuffer

	conn Channel

	state atomic.Int32

	mu      sync.Mutex
	nextID  int64
	pending map[int64]pendingRequest
	sinks   map[string]eventSink // sessionID -> sink

	capabilities map[string]map[string]struct{}

	// activationMu serialises Target.createTarget+attachToTarget pairs and,
	// separately, Target.activateTarget+Page.captureScreenshot pairs, so that
	// the single headless viewport's contents match the tab we believe we are
	// operating on. See spec.md §4.2.
	activationMu sync.Mutex

	pumpDone chan struct{}
}

var chromeVersionRe = regexp.MustCompile(`[A-Za-z][A-Za-z ]+([\d.]+)`)

// New constructs a Browser from cfg but does not launch a process; call
// Start to do so.
func New(cfg config.Config, log logging.Logger) *Browser {
	b := &Browser{
		cfg:     cfg,
		log:     log.With().Str("component", "browser").Logger(),
		pending: make(map[int64]pendingRequest),
		sinks:   make(map[string]eventSink),
	}
	b.state.Store(int32(stateNew))
	return b
}

// NewWithChannel builds a Browser already in the ready state, wired to an
// already-open Channel and a pre-populated capability table. It skips
// process discovery and launch entirely, so tests can exercise the
// multiplexer, event pump, and tab layer against a fake Channel (see
// internal/browser/browsertest) without a real browser binary.
func NewWithChannel(cfg config.Config, log logging.Logger, ch Channel, capabilities map[string][]string) *Browser {
	b := New(cfg, log)
	b.conn = ch
	b.capabilities = make(map[string]map[string]struct{}, len(capabilities))
	for domain, cmds := range capabilities {
		set := make(map[string]struct{}, len(cmds))
		for _, c := range cmds {
			set[c] = struct{}{}
		}
		b.capabilities[domain] = set
	}
	b.pumpDone = make(chan struct{})
	b.state.Store(int32(stateReady))
	go b.pump()
	return b
}

// Config returns the immutable configuration this browser was built with.
func (b *Browser) Config() config.Config {
	return b.cfg
}

// Logger returns the browser's root logger, for components that want to
// derive a scoped child logger.
func (b *Browser) Logger() logging.Logger {
	return b.log
}

// RegisterSink attaches a session's event sink. Called by Tab once its
// session id is known.
func (b *Browser) RegisterSink(sessionID string, sink eventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[sessionID] = sink
}

// UnregisterSink detaches a session's event sink. Idempotent: late or
// duplicate calls are no-ops.
func (b *Browser) UnregisterSink(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, sessionID)
}

// ActivationLock returns the lock that serialises tab creation and tab
// activation/capture across the single shared viewport.
func (b *Browser) ActivationLock() *sync.Mutex {
	return &b.activationMu
}

// Start resolves the browser binary, launches the process, connects the
// duplex channel, builds the capability table, and starts the event pump.
func (b *Browser) Start(ctx context.Context) error {
	b.state.Store(int32(stateStarting))

	if err := b.resolveBinary(ctx); err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp("", "witnessgo-*")
	if err != nil {
		return &werrors.StartupError{Msg: fmt.Sprintf("failed to create user-data dir: %s", err)}
	}
	b.tempDir = tempDir

	b.port = choosePort()

	if err := b.launchProcess(ctx); err != nil {
		return err
	}

	wsURL, err := b.waitForDebuggerEndpoint(ctx)
	if err != nil {
		return err
	}

	conn, err := dialTransport(ctx, wsURL)
	if err != nil {
		_ = b.killProcess()
		return &werrors.StartupError{Msg: err.Error()}
	}
	b.conn = conn

	if err := b.loadCapabilities(ctx); err != nil {
		_ = conn.Close()
		_ = b.killProcess()
		return err
	}

	b.pumpDone = make(chan struct{})
	go b.pump()

	b.state.Store(int32(stateReady))
	b.log.Info().Str("binary", b.binary).Str("version", b.version).Int("port", b.port).Msg("browser started")
	return nil
}

// resolveBinary finds a browser executable, either the configured path or
// the first name in the probe list whose --version output matches the
// expected pattern.
func (b *Browser) resolveBinary(ctx context.Context) error {
	if b.cfg.ChromePath != "" {
		b.binary = b.cfg.ChromePath
		return nil
	}

	var lastErr string
	for _, name := range config.ChromeNames() {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := exec.CommandContext(vctx, path, "--version").CombinedOutput()
		cancel()
		if err != nil {
			lastErr = string(out)
			continue
		}
		m := chromeVersionRe.FindStringSubmatch(string(out))
		if m == nil {
			lastErr = string(out)
			continue
		}
		b.binary = path
		b.version = m[1]
		return nil
	}
	return &werrors.StartupError{Msg: "no supported browser binary found", Stderr: lastErr}
}

func (b *Browser) launchProcess(ctx context.Context) error {
	x, y := b.cfg.Width, b.cfg.Height
	args := []string{
		"--disable-features=MediaRouter",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--hide-scrollbars",
		"--mute-audio",
		"--no-default-browser-check",
		"--no-first-run",
		"--deny-permission-prompts",
		fmt.Sprintf("--remote-debugging-port=%d", b.port),
		"--headless=new",
		fmt.Sprintf("--user-data-dir=%s", b.tempDir),
		fmt.Sprintf("--window-size=%d,%d", x, y),
		fmt.Sprintf("--user-agent=%s", b.cfg.UserAgent),
		"--ignore-certificate-errors",
	}
	if b.cfg.Proxy != "" {
		args = append(args, fmt.Sprintf("--proxy-server=%s", b.cfg.Proxy))
	}
	if runtime.GOOS != "windows" && os.Geteuid() == 0 {
		b.log.Info().Msg("running as root, adding --no-sandbox")
		args = append(args, "--no-sandbox")
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &werrors.StartupError{Msg: err.Error()}
	}
	b.stderrBuf = newRingBuffer(4096)
	go copyToRing(stderr, b.stderrBuf)

	if err := cmd.Start(); err != nil {
		return &werrors.StartupError{Msg: fmt.Sprintf("failed to launch %s: %s", b.binary, err)}
	}
	b.cmd = cmd
	return nil
}

func (b *Browser) waitForDebuggerEndpoint(ctx context.Context) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if b.cmd.ProcessState != nil && b.cmd.ProcessState.Exited() && !b.cmd.ProcessState.Success() {
			return "", &werrors.StartupError{
				Msg:   fmt.Sprintf("%s exited with code %d", b.binary, b.cmd.ProcessState.ExitCode()),
				Stderr: b.stderrBuf.String(),
			}
		}

		v, err := fetchVersion(ctx, b.port)
		if err == nil && v.WebSocketDebuggerURL != "" {
			return v.WebSocketDebuggerURL, nil
		}
		select {
		case <-ctx.Done():
			return "", &werrors.StartupError{Msg: "context cancelled while waiting for debugger endpoint"}
		case <-time.After(100 * time.Millisecond):
		}
	}
	return "", &werrors.StartupError{Msg: "timed out waiting for debugger endpoint", Stderr: b.stderrBuf.String()}
}

func (b *Browser) loadCapabilities(ctx context.Context) error {
	desc, err := fetchProtocol(ctx, b.port)
	if err != nil {
		return &werrors.StartupError{Msg: fmt.Sprintf("failed to fetch protocol descriptor: %s", err)}
	}
	caps := make(map[string]map[string]struct{}, len(desc.Domains))
	for _, d := range desc.Domains {
		cmds := make(map[string]struct{}, len(d.Commands))
		for _, c := range d.Commands {
			cmds[c.Name] = struct{}{}
		}
		caps[d.Domain] = cmds
	}
	b.capabilities = caps
	return nil
}

// Stop idempotently tears down the browser: closes every live tab's
// registration, stops the event pump, closes the channel, terminates the
// child (SIGTERM then SIGKILL after 5s), fails any still-pending requests,
// and clears all maps.
func (b *Browser) Stop() error {
	if !b.state.CompareAndSwap(int32(stateReady), int32(stateStopping)) &&
		!b.state.CompareAndSwap(int32(stateStarting), int32(stateStopping)) {
		// Already stopping or stopped; idempotent no-op.
		if state(b.state.Load()) == stateStopped {
			return nil
		}
	}

	if b.conn != nil {
		_ = b.conn.Close()
	}
	if b.pumpDone != nil {
		<-b.pumpDone
	}

	err := b.killProcess()

	if b.tempDir != "" {
		_ = os.RemoveAll(b.tempDir)
	}

	b.failAllPending()
	b.mu.Lock()
	b.sinks = make(map[string]eventSink)
	b.mu.Unlock()

	b.state.Store(int32(stateStopped))
	return err
}

func (b *Browser) killProcess() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	_ = terminateProcess(b.cmd)
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = killProcess(b.cmd)
		<-done
		return nil
	}
}

// logLevel exposes the configured zerolog level of the browser's logger.
func (b *Browser) logLevel() zerolog.Level {
	return b.log.GetLevel()
}
