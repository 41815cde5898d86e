package langserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
	"github.com/weiro2020/opencode-antigravity-stats/internal/wire"
)

func TestParseCSRFToken(t *testing.T) {
	cases := []struct {
		cmdline string
		want    string
		ok      bool
	}{
		{"/opt/ls/language_server_linux_x64 --csrf_token abc-123 --random_port", "abc-123", true},
		{"/opt/ls/language_server_linux_x64 --csrf_token=abc-123", "abc-123", true},
		{"language_server -csrf_token tok", "tok", true},
		{"language_server -server_port 1 -csrf_token=tok2 -enable_lsp=false", "tok2", true},
		{"language_server --no_csrf_token_here", "", false},
		{"language_server --xcsrf_token foo", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseCSRFToken(tc.cmdline)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseCSRFToken(%q) = %q, %v; want %q, %v", tc.cmdline, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParsePSOutput(t *testing.T) {
	out := []byte("    1 /sbin/init\n 4242 /opt/language_server --csrf_token t1\n\nbogus line\n  77 bash\n")
	procs := parsePSOutput(out)
	want := []Process{
		{PID: 1, Cmdline: "/sbin/init"},
		{PID: 4242, Cmdline: "/opt/language_server --csrf_token t1"},
		{PID: 77, Cmdline: "bash"},
	}
	if !reflect.DeepEqual(procs, want) {
		t.Fatalf("parsePSOutput = %#v, want %#v", procs, want)
	}
}

func TestPSEnumeratorUsesRunner(t *testing.T) {
	var gotName string
	var gotArgs []string
	e := PSEnumerator{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("12 language_server --csrf_token x\n"), nil
	}}
	procs, err := e.Processes(context.Background())
	if err != nil {
		t.Fatalf("Processes error: %v", err)
	}
	if gotName != "ps" || strings.Join(gotArgs, " ") != "-axww -o pid=,command=" {
		t.Fatalf("unexpected command %s %v", gotName, gotArgs)
	}
	if len(procs) != 1 || procs[0].PID != 12 {
		t.Fatalf("unexpected processes %#v", procs)
	}
}

func TestProcFSEnumerator(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "100", "cmdline"), "language_server\x00--csrf_token\x00tok\x00")
	writeFile(t, filepath.Join(root, "200", "cmdline"), "")
	writeFile(t, filepath.Join(root, "self", "cmdline"), "ignored")

	procs, err := ProcFSEnumerator{Root: root}.Processes(context.Background())
	if err != nil {
		t.Fatalf("Processes error: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected one process, got %#v", procs)
	}
	if procs[0].PID != 100 || procs[0].Cmdline != "language_server --csrf_token tok" {
		t.Fatalf("unexpected process %#v", procs[0])
	}
}

func TestParseSSOutput(t *testing.T) {
	out := []byte(`State  Recv-Q Send-Q Local Address:Port  Peer Address:Port Process
LISTEN 0      4096   127.0.0.1:42100     0.0.0.0:*     users:(("language_server",pid=4242,fd=9))
LISTEN 0      4096   127.0.0.1:42101     0.0.0.0:*     users:(("language_server",pid=4242,fd=10))
LISTEN 0      4096   127.0.0.1:5000      0.0.0.0:*     users:(("other",pid=42420,fd=3))
LISTEN 0      4096   127.0.0.1:42100     0.0.0.0:*     users:(("language_server",pid=4242,fd=11))
`)
	got := parseSSOutput(out, 4242)
	if !reflect.DeepEqual(got, []int{42100, 42101}) {
		t.Fatalf("parseSSOutput = %v", got)
	}
	if got := parseSSOutput(out, 1); len(got) != 0 {
		t.Fatalf("expected no ports for unknown pid, got %v", got)
	}
}

func TestLsofLister(t *testing.T) {
	l := LsofLister{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "lsof" || args[len(args)-1] != "99" {
			t.Fatalf("unexpected command %s %v", name, args)
		}
		return []byte("COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME\n" +
			"language_ 99 me 9u IPv4 0x1 0t0 TCP 127.0.0.1:53000 (LISTEN)\n" +
			"language_ 99 me 10u IPv4 0x2 0t0 TCP 127.0.0.1:53001 (LISTEN)\n"), nil
	}}
	ports, err := l.ListeningPorts(context.Background(), 99)
	if err != nil {
		t.Fatalf("ListeningPorts error: %v", err)
	}
	if !reflect.DeepEqual(ports, []int{53000, 53001}) {
		t.Fatalf("ports = %v", ports)
	}

	empty := LsofLister{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}}
	ports, err = empty.ListeningPorts(context.Background(), 99)
	if err != nil || len(ports) != 0 {
		t.Fatalf("expected no ports and no error, got %v %v", ports, err)
	}
}

func TestProcNetLister(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks required")
	}
	root := t.TempDir()
	fdDir := filepath.Join(root, "55", "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("socket:[1111]", filepath.Join(fdDir, "3")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("socket:[2222]", filepath.Join(fdDir, "4")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("/dev/null", filepath.Join(fdDir, "0")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	header := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
	writeFile(t, filepath.Join(root, "net", "tcp"), header+
		"   0: 0100007F:A474 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 1111 1 0\n"+
		"   1: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 9999 1 0\n"+
		"   2: 0100007F:A475 0100007F:0050 01 00000000:00000000 00:00000000 00000000  1000        0 2222 1 0\n")
	writeFile(t, filepath.Join(root, "net", "tcp6"), header+
		"   0: 00000000000000000000000001000000:A476 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 2222 1 0\n")

	ports, err := ProcNetLister{Root: root}.ListeningPorts(context.Background(), 55)
	if err != nil {
		t.Fatalf("ListeningPorts error: %v", err)
	}
	if !reflect.DeepEqual(ports, []int{0xA474, 0xA476}) {
		t.Fatalf("ports = %v", ports)
	}
}

func TestRetryPolicyStopsOnReady(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Attempts: 10, Interval: time.Millisecond, Timeout: time.Second}
	state, attempts, err := policy.Poll(context.Background(), func(context.Context) ProbeState {
		calls++
		if calls == 3 {
			return ProbeReady
		}
		return ProbeNotReady
	})
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if state != ProbeReady || attempts != 3 {
		t.Fatalf("state=%v attempts=%d", state, attempts)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, Interval: time.Millisecond, Timeout: time.Second}
	state, attempts, err := policy.Poll(context.Background(), func(context.Context) ProbeState { return ProbeNotReady })
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if state != ProbeNotReady || attempts != 4 {
		t.Fatalf("state=%v attempts=%d", state, attempts)
	}
}

func TestRetryPolicyTimeoutIsNotAnError(t *testing.T) {
	policy := RetryPolicy{Attempts: 1000, Interval: 20 * time.Millisecond, Timeout: 60 * time.Millisecond}
	start := time.Now()
	state, attempts, err := policy.Poll(context.Background(), func(context.Context) ProbeState { return ProbeNotReady })
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if state != ProbeNotReady || attempts >= 1000 {
		t.Fatalf("state=%v attempts=%d", state, attempts)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("poll did not honour timeout")
	}
}

func TestRetryPolicyParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := DefaultRetryPolicy().Poll(ctx, func(context.Context) ProbeState { return ProbeNotReady })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakeEnumerator []Process

func (f fakeEnumerator) Processes(context.Context) ([]Process, error) { return f, nil }

type fakeLister map[int][]int

func (f fakeLister) ListeningPorts(_ context.Context, pid int) ([]int, error) { return f[pid], nil }

type recordingProber struct {
	mu     sync.Mutex
	good   map[int]bool
	probed []int
}

func (p *recordingProber) Probe(_ context.Context, target rpc.Target) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, target.Port)
	return p.good[target.Port], nil
}

func TestDiscovererSkipsProcessesWithoutToken(t *testing.T) {
	prober := &recordingProber{good: map[int]bool{7002: true}}
	d := &Discoverer{
		Processes: fakeEnumerator{
			{PID: 10, Cmdline: "language_server --random_port"},
			{PID: 11, Cmdline: "vim --csrf_token nope"},
			{PID: 12, Cmdline: "language_server_linux_x64 --csrf_token good"},
		},
		Ports:  fakeLister{10: {7000}, 11: {7001}, 12: {7002}},
		Prober: prober,
	}
	ep, err := d.Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if ep.PID != 12 || ep.CSRFToken != "good" || ep.ConfirmedPort != 7002 {
		t.Fatalf("unexpected endpoint %#v", ep)
	}
	if !reflect.DeepEqual(prober.probed, []int{7002}) {
		t.Fatalf("probed = %v", prober.probed)
	}
}

func TestDiscovererNotFound(t *testing.T) {
	d := &Discoverer{
		Processes: fakeEnumerator{{PID: 5, Cmdline: "language_server --csrf_token t"}},
		Ports:     fakeLister{5: {8000, 8001}},
		Prober:    &recordingProber{good: map[int]bool{}},
	}
	_, err := d.Locate(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Three candidate ports; only the second speaks the protocol.
func TestDiscovererConfirmsSecondPortOverHTTP(t *testing.T) {
	var hits sync.Map
	newServer := func(name string, handler http.HandlerFunc) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Store(name, true)
			handler(w, r)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	notFound := newServer("first", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	good := newServer("second", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpc.ServicePath+rpc.MethodGetUserStatus {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-codeium-csrf-token") != "tok" {
			t.Errorf("missing csrf header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userStatus":{"email":"a@b.c"}}`))
	})
	third := newServer("third", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userStatus":{}}`))
	})

	ports := []int{serverPort(t, notFound), serverPort(t, good), serverPort(t, third)}
	d := &Discoverer{
		Processes: fakeEnumerator{{PID: 900, Cmdline: "/x/language_server --csrf_token tok"}},
		Ports:     fakeLister{900: ports},
		Prober:    StatusProber{Caller: rpc.NewClient(rpc.Options{}), Metadata: wire.DefaultMetadata(""), Timeout: 2 * time.Second},
		Scheme:    "http",
	}
	ep, err := d.Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if ep.ConfirmedPort != ports[1] {
		t.Fatalf("confirmed port = %d, want %d", ep.ConfirmedPort, ports[1])
	}
	if !reflect.DeepEqual(ep.CandidatePorts, ports) {
		t.Fatalf("candidates = %v", ep.CandidatePorts)
	}
	if _, ok := hits.Load("third"); ok {
		t.Fatalf("third port should not be probed")
	}
}

func TestStatusProberRejectsBodiesWithoutUserStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"email":"a@b.c"}`))
	}))
	defer srv.Close()

	p := StatusProber{Caller: rpc.NewClient(rpc.Options{})}
	ok, err := p.Probe(context.Background(), rpc.Target{Scheme: "http", Port: serverPort(t, srv), CSRFToken: "x"})
	if err != nil || ok {
		t.Fatalf("expected rejection without error, got ok=%v err=%v", ok, err)
	}
}

func TestTunnelLocator(t *testing.T) {
	ep, err := TunnelLocator{Port: 50001, CSRFToken: "abc"}.Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if ep.ConfirmedPort != 0 || ep.Port() != 50001 || ep.Scheme != "http" {
		t.Fatalf("unexpected endpoint %#v", ep)
	}
	if got := ep.Target().URL(rpc.MethodGetUserStatus); got != "http://127.0.0.1:50001"+rpc.ServicePath+"GetUserStatus" {
		t.Fatalf("url = %s", got)
	}

	_, err = TunnelLocator{Port: 50001}.Locate(context.Background())
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLaunchArgs(t *testing.T) {
	opts := LaunchOptions{
		Port:              56112,
		CSRFToken:         "tok",
		CloudCodeEndpoint: "https://cloudcode-pa.googleapis.com",
		GeminiDir:         "/g",
		AppDataDir:        "/a",
	}
	want := []string{
		"-server_port", "56112", "-random_port=false", "-enable_lsp=false",
		"-csrf_token", "tok", "-cloud_code_endpoint", "https://cloudcode-pa.googleapis.com",
		"-gemini_dir", "/g", "-app_data_dir", "/a",
	}
	if got := opts.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Args = %v", got)
	}
}

type scriptedCaller struct {
	mu      sync.Mutex
	ready   bool
	methods []string
	payload map[string][]byte
}

func (c *scriptedCaller) Call(_ context.Context, _ rpc.Target, method string, payload []byte, _ rpc.Encoding) (*rpc.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, method)
	if c.payload == nil {
		c.payload = make(map[string][]byte)
	}
	c.payload[method] = payload
	if !c.ready {
		return nil, apperr.Transport("rpc "+method, errors.New("connection refused"))
	}
	if method == rpc.MethodGetStatus {
		// Readiness only needs an HTTP answer, even an error status.
		return &rpc.Response{StatusCode: http.StatusNotFound}, apperr.Protocol("rpc", "unexpected status", nil)
	}
	return &rpc.Response{StatusCode: http.StatusOK}, nil
}

func TestLauncherEarlyExitIsFatal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script required")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "language_server")
	writeExecutable(t, script, "#!/bin/sh\necho \"bad credentials for secret-token-value\" >&2\nexit 3\n")

	l := NewLauncher(LaunchOptions{
		BinaryPath: script,
		Port:       freePort(t),
		CSRFToken:  "csrf",
		Ready:      RetryPolicy{Attempts: 200, Interval: 10 * time.Millisecond, Timeout: 5 * time.Second},
		Redact:     []string{"secret-token-value"},
	}, &scriptedCaller{})
	defer func() { _ = l.Close() }()

	_, err := l.Locate(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Fatalf("missing exit code in %q", err.Error())
	}
	if strings.Contains(err.Error(), "secret-token-value") {
		t.Fatalf("error leaks secret: %q", err.Error())
	}
}

func TestLauncherReadyPushesTokenAndStops(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script required")
	}
	dir := t.TempDir()
	handshakeFile := filepath.Join(dir, "handshake.bin")
	doneMarker := filepath.Join(dir, "handshake.done")
	script := filepath.Join(dir, "language_server")
	writeExecutable(t, script, fmt.Sprintf("#!/bin/sh\ncat > %q\ntouch %q\nexec sleep 30\n", handshakeFile, doneMarker))

	handshake := wire.DefaultMetadata("access").Marshal()
	tokenInfo := wire.SaveOAuthTokenInfoRequest(wire.TokenInfo{AccessToken: "access"})
	caller := &scriptedCaller{ready: true}
	l := NewLauncher(LaunchOptions{
		BinaryPath: script,
		Port:       freePort(t),
		CSRFToken:  "csrf",
		Handshake:  handshake,
		TokenInfo:  tokenInfo,
		Ready:      RetryPolicy{Attempts: 50, Interval: 10 * time.Millisecond, Timeout: 5 * time.Second},
		StopGrace:  2 * time.Second,
	}, caller)

	ep, err := l.Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if ep.ConfirmedPort == 0 || ep.PID == 0 || ep.CSRFToken != "csrf" {
		t.Fatalf("unexpected endpoint %#v", ep)
	}
	caller.mu.Lock()
	methods := append([]string(nil), caller.methods...)
	pushed := caller.payload[rpc.MethodSaveOAuthTokenInfo]
	caller.mu.Unlock()
	if len(methods) != 2 || methods[0] != rpc.MethodGetStatus || methods[1] != rpc.MethodSaveOAuthTokenInfo {
		t.Fatalf("methods = %v", methods)
	}
	if string(pushed) != string(tokenInfo) {
		t.Fatalf("pushed payload mismatch")
	}

	again, err := l.Locate(context.Background())
	if err != nil || again != ep {
		t.Fatalf("second Locate should reuse endpoint, got %v %v", again, err)
	}

	// stdin is closed after the handshake, so cat finishes on its own.
	waitForFile(t, doneMarker, 5*time.Second)

	if err := l.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Close")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	got, err := os.ReadFile(handshakeFile)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if string(got) != string(handshake) {
		t.Fatalf("handshake bytes mismatch: %x vs %x", got, handshake)
	}
}

func TestLauncherMissingBinary(t *testing.T) {
	l := NewLauncher(LaunchOptions{BinaryPath: filepath.Join(t.TempDir(), "missing"), Port: 1}, &scriptedCaller{})
	_, err := l.Locate(context.Background())
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func waitForFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s not created within %s", path, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
