package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/quota"
	"github.com/weiro2020/opencode-antigravity-stats/internal/render"
)

type outputFlags struct {
	json    bool
	noColor bool
}

func (o *outputFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&o.json, "json", false, "print JSON instead of text")
	fs.BoolVar(&o.noColor, "no-color", false, "disable ANSI colors")
}

func (a *App) runStatus(ctx context.Context, args []string) error {
	var (
		common commonFlags
		out    outputFlags
		cached bool
		save   bool
	)
	fs := a.newFlagSet("status")
	common.register(fs)
	out.register(fs)
	fs.BoolVar(&cached, "cached", false, "read the cache without contacting a server")
	// Live snapshots are always written to the cache; the flag is accepted
	// for scripts written against older releases.
	fs.BoolVar(&save, "save", false, "write the snapshot to the cache")
	_ = fs.MarkHidden("save")
	if err := parseFlags(fs, args); err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return apperr.Configuration("status", "", fmt.Sprintf("unexpected argument %q", fs.Arg(0)), nil)
	}

	s, err := a.openSession(ctx, common, !cached)
	if err != nil {
		return err
	}
	defer s.Close()

	snapshot, err := s.reconciler.GetSnapshot(ctx, !cached)
	if err != nil {
		return err
	}
	if !common.quiet && !snapshot.Cached() {
		if ep := s.live.Endpoint(); ep != nil {
			_, _ = fmt.Fprintf(a.Stderr, "Found Language Server (PID: %d, Port: %d)\n", ep.PID, ep.Port())
		}
	}
	return a.writeSnapshot(snapshot, out)
}

func (a *App) runWatch(ctx context.Context, args []string) error {
	var (
		common   commonFlags
		out      outputFlags
		interval time.Duration
	)
	fs := a.newFlagSet("watch")
	common.register(fs)
	out.register(fs)
	fs.DurationVar(&interval, "interval", 0, "refresh interval (default from config)")
	if err := parseFlags(fs, args); err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}

	s, err := a.openSession(ctx, common, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if interval <= 0 {
		interval = s.cfg.Watch.Interval
	}
	poller := quota.NewPoller(s.reconciler, interval, func(snapshot *quota.Snapshot, errPoll error) {
		if errPoll != nil {
			if apperr.KindOf(errPoll) == apperr.KindDataUnavailable {
				_, _ = fmt.Fprintln(a.Stderr, quota.NoDataMessage)
				log.Debugf("watch: %v", errPoll)
			}
			return
		}
		if errWrite := a.writeSnapshot(snapshot, out); errWrite != nil {
			log.Warnf("watch: write output: %v", errWrite)
		}
	})
	return poller.Run(ctx)
}

func (a *App) writeSnapshot(snapshot *quota.Snapshot, out outputFlags) error {
	if out.json {
		return render.JSON(a.Stdout, snapshot, time.Now())
	}
	return render.Text(a.Stdout, snapshot, render.Options{Color: !out.noColor && a.colorEnabled(a.Stdout)})
}

// colorEnabled reports whether w is an interactive terminal and NO_COLOR is
// unset.
func (a *App) colorEnabled(w io.Writer) bool {
	lookup := a.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if _, ok := lookup("NO_COLOR"); ok {
		return false
	}
	return isTerminal(w)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
