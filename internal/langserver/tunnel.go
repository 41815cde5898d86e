package langserver

import (
	"context"

	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
)

// TunnelLocator returns a fixed endpoint forwarded from another machine. The
// port is asserted, not probed; it stays unconfirmed until a call succeeds.
type TunnelLocator struct {
	Port      int
	CSRFToken string
	Scheme    string
	Host      string
}

// Locate implements Locator.
func (t TunnelLocator) Locate(ctx context.Context) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.CSRFToken == "" {
		return nil, apperr.Configuration("tunnel", "", "tunnel csrf token is not set, run tunnel-config <token>", nil)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return nil, apperr.Configuration("tunnel", "", "tunnel port is out of range", nil)
	}
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &Endpoint{
		CSRFToken:      t.CSRFToken,
		CandidatePorts: []int{t.Port},
		Scheme:         scheme,
		Host:           t.Host,
	}, nil
}

// Close implements Locator.
func (t TunnelLocator) Close() error { return nil }
