// Package langserver finds a language server to talk to. It can launch a
// private instance, discover one already running on this machine, or use a
// fixed port forwarded from elsewhere.
package langserver

import (
	"context"
	"errors"

	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
)

// ErrNotFound reports that no usable server candidate exists.
var ErrNotFound = errors.New("langserver: no language server found")

// Endpoint identifies a reachable server.
type Endpoint struct {
	PID            int
	CSRFToken      string
	CandidatePorts []int
	// ConfirmedPort is set only after a probe on it returned a valid response.
	ConfirmedPort int
	Scheme        string
	Host          string
}

// Port returns the confirmed port, or the first candidate when none has been
// confirmed yet.
func (e *Endpoint) Port() int {
	if e == nil {
		return 0
	}
	if e.ConfirmedPort != 0 {
		return e.ConfirmedPort
	}
	if len(e.CandidatePorts) > 0 {
		return e.CandidatePorts[0]
	}
	return 0
}

// Confirm records port as verified.
func (e *Endpoint) Confirm(port int) {
	if e != nil {
		e.ConfirmedPort = port
	}
}

// Target returns the rpc address of the endpoint.
func (e *Endpoint) Target() rpc.Target {
	return rpc.Target{Scheme: e.Scheme, Host: e.Host, Port: e.Port(), CSRFToken: e.CSRFToken}
}

// Locator produces an Endpoint. Close releases anything Locate started and is
// safe to call more than once.
type Locator interface {
	Locate(ctx context.Context) (*Endpoint, error)
	Close() error
}

// Caller is the subset of rpc.Client used by locators.
type Caller interface {
	Call(ctx context.Context, target rpc.Target, method string, payload []byte, enc rpc.Encoding) (*rpc.Response, error)
}
