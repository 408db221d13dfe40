package jobstore

import (
	"context"
	"log/slog"
	"os"
	"time"

	"pdftables/obs"
)

// Reaper removes finished job directories whose artifact is older than the retention.
// Pending jobs are never removed.
type Reaper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewReaper(st *Store, retention, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run reaps on every tick until ctx is done. A zero retention disables it.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.store == nil || r.retention <= 0 {
		return
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.ReapOnce()
			if err != nil {
				r.logger.Error("reap job dirs failed", "err", err)
				continue
			}
			obs.RecordReaped(n)
			if n > 0 {
				r.logger.Info("reaped job dirs", "removed", n)
			}
		}
	}
}

func (r *Reaper) ReapOnce() (int, error) {
	entries, err := os.ReadDir(r.store.Root())
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		st, err := r.store.Inspect(e.Name())
		if err != nil || !st.State.Terminal() {
			continue
		}
		info, err := os.Stat(st.ArtifactPath)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(st.Dir); err != nil {
			r.logger.Warn("remove job dir failed", "job_id", e.Name(), "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}
