package langserver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
	"github.com/weiro2020/opencode-antigravity-stats/internal/wire"
)

// PortProber decides whether a port speaks the expected protocol.
type PortProber interface {
	Probe(ctx context.Context, target rpc.Target) (bool, error)
}

// StatusProber sends a JSON GetUserStatus and accepts a 200 response whose
// body carries a userStatus object.
type StatusProber struct {
	Caller   Caller
	Metadata wire.Metadata
	Timeout  time.Duration
}

// Probe implements PortProber. TLS mismatches, protocol errors and empty
// bodies disqualify the port without failing discovery.
func (p StatusProber) Probe(ctx context.Context, target rpc.Target) (bool, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	body, err := wire.GetUserStatusJSON(p.Metadata)
	if err != nil {
		return false, err
	}
	resp, err := p.Caller.Call(ctx, target, rpc.MethodGetUserStatus, body, rpc.EncodingJSON)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		log.Debugf("langserver: port %d rejected: %v", target.Port, err)
		return false, nil
	}
	if len(resp.Body) == 0 || !gjson.ValidBytes(resp.Body) {
		return false, nil
	}
	return gjson.GetBytes(resp.Body, "userStatus").IsObject(), nil
}

// Discoverer finds a language server process already running locally.
type Discoverer struct {
	Processes   ProcessEnumerator
	Ports       PortLister
	Prober      PortProber
	ProcessName string
	// Budget bounds the whole scan, including all probes.
	Budget time.Duration
	Scheme string
	Host   string
}

// DefaultProcessEnumerator returns the enumerator for the current platform.
func DefaultProcessEnumerator(name string) ProcessEnumerator {
	if name == "proc" {
		return ProcFSEnumerator{}
	}
	return PSEnumerator{}
}

// DefaultPortLister returns the port lister for the current platform.
func DefaultPortLister(name string) PortLister {
	switch name {
	case "ss":
		return SSLister{}
	case "lsof":
		return LsofLister{}
	case "proc":
		return ProcNetLister{}
	}
	if runtime.GOOS == "linux" {
		return SSLister{}
	}
	return LsofLister{}
}

// Locate implements Locator.
func (d *Discoverer) Locate(ctx context.Context) (*Endpoint, error) {
	if d.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Budget)
		defer cancel()
	}
	name := d.ProcessName
	if name == "" {
		name = "language_server"
	}
	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}

	procs, err := d.Processes.Processes(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Warnf("langserver: process scan failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	for _, proc := range procs {
		if !strings.Contains(proc.Cmdline, name) {
			continue
		}
		token, ok := ParseCSRFToken(proc.Cmdline)
		if !ok {
			continue
		}
		ports, errPorts := d.Ports.ListeningPorts(ctx, proc.PID)
		if errPorts != nil {
			log.Debugf("langserver: list ports for pid %d failed: %v", proc.PID, errPorts)
			continue
		}
		if len(ports) == 0 {
			continue
		}
		log.Debugf("langserver: pid %d candidate ports %v", proc.PID, ports)

		ep := &Endpoint{PID: proc.PID, CSRFToken: token, CandidatePorts: ports, Scheme: scheme, Host: d.Host}
		for _, port := range ports {
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: discovery budget exhausted", ErrNotFound)
			}
			target := ep.Target()
			target.Port = port
			confirmed, errProbe := d.Prober.Probe(ctx, target)
			if errProbe != nil {
				return nil, errProbe
			}
			if confirmed {
				ep.Confirm(port)
				log.Infof("langserver: found server pid=%d port=%d", proc.PID, port)
				return ep, nil
			}
		}
	}
	return nil, ErrNotFound
}

// Close implements Locator. Discovery never owns the process.
func (d *Discoverer) Close() error { return nil }
