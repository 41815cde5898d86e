package langserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
)

const stderrTailBytes = 2048

// LaunchOptions describes the server process to start.
type LaunchOptions struct {
	BinaryPath        string
	Port              int
	CSRFToken         string
	CloudCodeEndpoint string
	GeminiDir         string
	AppDataDir        string
	Scheme            string
	Host              string
	// Handshake is written to the process stdin, which is then closed.
	Handshake []byte
	// TokenInfo, when set, is pushed with SaveOAuthTokenInfo once ready.
	TokenInfo []byte
	Ready     RetryPolicy
	StopGrace time.Duration
	// Redact lists strings that must never appear in reported diagnostics.
	Redact []string
}

// Args returns the command line arguments passed to the server binary.
func (o LaunchOptions) Args() []string {
	return []string{
		"-server_port", strconv.Itoa(o.Port),
		"-random_port=false",
		"-enable_lsp=false",
		"-csrf_token", o.CSRFToken,
		"-cloud_code_endpoint", o.CloudCodeEndpoint,
		"-gemini_dir", o.GeminiDir,
		"-app_data_dir", o.AppDataDir,
	}
}

// Launcher starts a private server and stops it on Close.
type Launcher struct {
	opts   LaunchOptions
	caller Caller

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	probeErr error
	stderr   *tailBuffer
	endpoint *Endpoint
	closed   bool
}

// NewLauncher returns a launcher that talks to the started server with caller.
func NewLauncher(opts LaunchOptions, caller Caller) *Launcher {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}
	if opts.Ready.Attempts <= 0 {
		opts.Ready = DefaultRetryPolicy()
	}
	return &Launcher{opts: opts, caller: caller}
}

// Locate starts the server, waits until it answers and optionally pushes the
// token. An exit before readiness is a fatal error.
func (l *Launcher) Locate(ctx context.Context) (*Endpoint, error) {
	l.mu.Lock()
	if l.endpoint != nil {
		ep := l.endpoint
		l.mu.Unlock()
		return ep, nil
	}
	l.mu.Unlock()

	if err := l.start(); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		PID:            l.PID(),
		CSRFToken:      l.opts.CSRFToken,
		CandidatePorts: []int{l.opts.Port},
		Scheme:         l.opts.Scheme,
		Host:           l.opts.Host,
	}

	state, attempts, err := l.opts.Ready.Poll(ctx, func(pctx context.Context) ProbeState {
		return l.probeReady(pctx, ep.Target())
	})
	if err != nil {
		return nil, err
	}
	switch state {
	case ProbeExited:
		if probeErr := l.takeProbeErr(); probeErr != nil {
			return nil, probeErr
		}
		return nil, apperr.Fatalf("launch", nil, "language server exited early (%s)%s", l.exitDescription(), l.stderrSuffix())
	case ProbeNotReady:
		return nil, apperr.Protocol("launch", fmt.Sprintf("language server not ready after %d attempts", attempts), nil)
	}
	ep.Confirm(l.opts.Port)
	log.Infof("langserver: launched server pid=%d port=%d ready after %d attempts", ep.PID, ep.ConfirmedPort, attempts)

	if len(l.opts.TokenInfo) > 0 {
		if _, errPush := l.PushToken(ctx, ep); errPush != nil {
			log.Warnf("langserver: SaveOAuthTokenInfo failed: %v", errPush)
		}
	}

	l.mu.Lock()
	l.endpoint = ep
	l.mu.Unlock()
	return ep, nil
}

// PushToken sends the configured OAuthTokenInfo to the server.
func (l *Launcher) PushToken(ctx context.Context, ep *Endpoint) (*rpc.Response, error) {
	return l.caller.Call(ctx, ep.Target(), rpc.MethodSaveOAuthTokenInfo, l.opts.TokenInfo, rpc.EncodingProto)
}

// probeReady treats any HTTP answer as ready; only transport failures mean
// the server is still starting.
func (l *Launcher) probeReady(ctx context.Context, target rpc.Target) ProbeState {
	if l.exited() {
		return ProbeExited
	}
	resp, err := l.caller.Call(ctx, target, rpc.MethodGetStatus, nil, rpc.EncodingProto)
	if resp != nil {
		return ProbeReady
	}
	if err != nil && apperr.KindOf(err) == apperr.KindConfiguration {
		// Retrying cannot fix a missing CA file.
		l.mu.Lock()
		l.probeErr = err
		l.mu.Unlock()
		return ProbeExited
	}
	if l.exited() {
		return ProbeExited
	}
	return ProbeNotReady
}

func (l *Launcher) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("langserver: launcher closed")
	}
	if l.cmd != nil {
		return nil
	}
	if l.opts.BinaryPath == "" {
		return apperr.Configuration("launch", "", "language server binary path is empty", nil)
	}
	if _, err := os.Stat(l.opts.BinaryPath); err != nil {
		return apperr.Configuration("launch", l.opts.BinaryPath, "language server binary not found", err)
	}

	cmd := exec.Command(l.opts.BinaryPath, l.opts.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("langserver: stdin pipe failed: %w", err)
	}
	l.stderr = &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = l.stderr

	if errStart := cmd.Start(); errStart != nil {
		return apperr.Configuration("launch", l.opts.BinaryPath, "start language server", errStart)
	}
	log.Debugf("langserver: started %s pid=%d port=%d", l.opts.BinaryPath, cmd.Process.Pid, l.opts.Port)

	l.cmd = cmd
	l.done = make(chan struct{})
	go func() {
		errWait := cmd.Wait()
		l.mu.Lock()
		l.exitErr = errWait
		l.mu.Unlock()
		close(l.done)
	}()

	if _, errWrite := stdin.Write(l.opts.Handshake); errWrite != nil {
		log.Warnf("langserver: write handshake failed: %v", errWrite)
	}
	if errClose := stdin.Close(); errClose != nil {
		log.Debugf("langserver: close stdin: %v", errClose)
	}
	return nil
}

func (l *Launcher) takeProbeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.probeErr
	l.probeErr = nil
	return err
}

// PID returns the process id, or 0 before start.
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Done is closed when the started process exits.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		return ch
	}
	return l.done
}

func (l *Launcher) exited() bool {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (l *Launcher) exitDescription() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil && l.cmd.ProcessState != nil {
		return "exit code " + strconv.Itoa(l.cmd.ProcessState.ExitCode())
	}
	if l.exitErr != nil {
		return l.exitErr.Error()
	}
	return "unknown status"
}

func (l *Launcher) stderrSuffix() string {
	if l.stderr == nil {
		return ""
	}
	tail := strings.TrimSpace(l.stderr.String())
	if tail == "" {
		return ""
	}
	for _, secret := range l.opts.Redact {
		if secret != "" {
			tail = strings.ReplaceAll(tail, secret, "[redacted]")
		}
	}
	return ": " + tail
}

// Close terminates the process: SIGTERM, a grace period, then kill.
func (l *Launcher) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cmd, done := l.cmd, l.done
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
	} else if errSignal := cmd.Process.Signal(syscall.SIGTERM); errSignal != nil {
		log.Debugf("langserver: SIGTERM failed: %v", errSignal)
	}

	timer := time.NewTimer(l.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
		log.Debugf("langserver: server pid=%d stopped", cmd.Process.Pid)
		return nil
	case <-timer.C:
	}

	log.Warnf("langserver: server pid=%d ignored SIGTERM, killing", cmd.Process.Pid)
	if errKill := cmd.Process.Kill(); errKill != nil && !errors.Is(errKill, os.ErrProcessDone) {
		return fmt.Errorf("langserver: kill failed: %w", errKill)
	}
	<-done
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
