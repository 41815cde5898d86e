package quota

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/langserver"
	"github.com/weiro2020/opencode-antigravity-stats/internal/logging"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
	"github.com/weiro2020/opencode-antigravity-stats/internal/wire"
)

// NoDataMessage is reported when neither a live nor a cached snapshot exists.
const NoDataMessage = "No quota data available (no LS running and no cache)."

// Fetcher produces a live snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// LiveSource locates a server and asks it for the user status.
type LiveSource struct {
	Locator  langserver.Locator
	Caller   langserver.Caller
	Metadata wire.Metadata
	Now      func() time.Time

	endpoint *langserver.Endpoint
}

// Fetch implements Fetcher. A tunnel endpoint becomes confirmed here, after
// its first successful call.
func (l *LiveSource) Fetch(ctx context.Context) (*Snapshot, error) {
	ep, err := l.Locator.Locate(ctx)
	if err != nil {
		return nil, err
	}
	l.endpoint = ep

	body, err := wire.GetUserStatusJSON(l.Metadata)
	if err != nil {
		return nil, apperr.Protocol("fetch quota", "build request", err)
	}
	log.Debugf("quota: GetUserStatus pid=%d port=%d apiKey=%s", ep.PID, ep.Port(), logging.TokenSummary(l.Metadata.APIKey))
	resp, err := l.Caller.Call(ctx, ep.Target(), rpc.MethodGetUserStatus, body, rpc.EncodingJSON)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	snapshot, err := ParseUserStatus(resp.Body, now())
	if err != nil {
		return nil, err
	}
	if ep.ConfirmedPort == 0 {
		ep.Confirm(ep.Port())
	}
	return snapshot, nil
}

// Endpoint returns the endpoint used by the last Fetch, or nil.
func (l *LiveSource) Endpoint() *langserver.Endpoint {
	return l.endpoint
}

// Reconciler prefers live data and falls back to the cache.
type Reconciler struct {
	Live  Fetcher
	Store *Store
	Now   func() time.Time
}

// GetSnapshot returns a live snapshot when preferLive is set and the server
// answers, otherwise the cached one. Recoverable live failures fall through
// to the cache; fatal ones and cancellation are returned as they are. Every
// live snapshot is written to the cache.
func (r *Reconciler) GetSnapshot(ctx context.Context, preferLive bool) (*Snapshot, error) {
	var liveErr error
	if preferLive && r.Live != nil {
		snapshot, err := r.Live.Fetch(ctx)
		if err == nil {
			if errSave := r.Store.Save(snapshot); errSave != nil {
				log.Warnf("quota: cache write failed: %v", errSave)
			}
			return snapshot, nil
		}
		if !apperr.IsRecoverable(err) {
			return nil, err
		}
		if errors.Is(err, langserver.ErrNotFound) {
			log.Info("quota: no language server found, using cache")
		} else {
			log.Warnf("quota: live fetch failed, using cache: %v", err)
		}
		liveErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	snapshot, err := r.Store.Load(now())
	if err != nil {
		return nil, apperr.DataUnavailable("get snapshot", NoDataMessage, errors.Join(liveErr, err))
	}
	return snapshot, nil
}
