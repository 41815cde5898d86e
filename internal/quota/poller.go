package quota

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
)

const defaultPollInterval = time.Minute

// UpdateFunc receives every snapshot (or failure) the poller produces.
type UpdateFunc func(snapshot *Snapshot, err error)

// Poller refreshes the snapshot on an interval and whenever another process
// rewrites the cache file.
type Poller struct {
	reconciler *Reconciler
	interval   time.Duration
	onUpdate   UpdateFunc

	lastCaptured time.Time
}

// NewPoller constructs a quota poller.
func NewPoller(reconciler *Reconciler, interval time.Duration, onUpdate UpdateFunc) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{reconciler: reconciler, interval: interval, onUpdate: onUpdate}
}

// Run polls until ctx is done. It returns nil on cancellation and the error
// itself when a poll fails in a way retrying cannot fix.
func (p *Poller) Run(ctx context.Context) error {
	events, closeWatcher := p.watchCache()
	defer closeWatcher()
	log.Infof("quota poller started (interval=%s)", p.interval)

	for {
		snapshot, err := p.poll(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := recoveryDelay(snapshot, p.interval, p.now())
		if wait < p.interval {
			log.Debugf("quota poller: exhausted model resets soon, next poll in %s", wait.Round(time.Second))
		}
		timer := time.NewTimer(wait)
	wait:
		for {
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return nil
			case <-timer.C:
				break wait
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				p.handleCacheEvent(event)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) (*Snapshot, error) {
	snapshot, err := p.reconciler.GetSnapshot(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		p.emit(nil, err)
		if apperr.KindOf(err) == apperr.KindDataUnavailable {
			return nil, nil
		}
		return nil, err
	}
	p.emit(snapshot, nil)
	return snapshot, nil
}

func (p *Poller) now() time.Time {
	if p.reconciler.Now != nil {
		return p.reconciler.Now()
	}
	return time.Now()
}

// handleCacheEvent re-reads the cache when its content is newer than what was
// last shown. Our own writes carry the same capture time and are skipped.
func (p *Poller) handleCacheEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(p.reconciler.Store.Path()) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	snapshot, err := p.reconciler.Store.Load(p.now())
	if err != nil {
		log.Debugf("quota poller: cache changed but is unreadable: %v", err)
		return
	}
	if !snapshot.CapturedAt.After(p.lastCaptured) {
		return
	}
	log.Debugf("quota poller: cache updated externally (captured %s)", snapshot.CapturedAt.Format(time.RFC3339))
	p.emit(snapshot, nil)
}

func (p *Poller) emit(snapshot *Snapshot, err error) {
	if snapshot != nil && snapshot.CapturedAt.After(p.lastCaptured) {
		p.lastCaptured = snapshot.CapturedAt
	}
	if p.onUpdate != nil {
		p.onUpdate(snapshot, err)
	}
}

func (p *Poller) watchCache() (<-chan fsnotify.Event, func()) {
	path := p.reconciler.Store.Path()
	if path == "" {
		return nil, func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("quota poller: cache watch disabled: %v", err)
		return nil, func() {}
	}
	dir := filepath.Dir(path)
	if errMkdir := os.MkdirAll(dir, 0o700); errMkdir != nil {
		log.Warnf("quota poller: cache watch disabled: %v", errMkdir)
		_ = watcher.Close()
		return nil, func() {}
	}
	// Watch the directory: atomic replaces swap the file's inode.
	if errAdd := watcher.Add(dir); errAdd != nil {
		log.Warnf("quota poller: cache watch disabled: %v", errAdd)
		_ = watcher.Close()
		return nil, func() {}
	}
	go func() {
		for errWatch := range watcher.Errors {
			log.Debugf("quota poller: watch error: %v", errWatch)
		}
	}()
	return watcher.Events, func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Debugf("quota poller: close watcher: %v", errClose)
		}
	}
}
