// Package idle tracks per-session activity and ends sessions that have sat
// unused past a timeout.
package idle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tracker records the last activity time of each session.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	last map[string]time.Time
}

// NewTracker creates a tracker. A zero timeout disables expiry.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{timeout: timeout, now: time.Now, last: make(map[string]time.Time)}
}

// Timeout returns the configured idle timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// RecordActivity marks the session active now.
func (t *Tracker) RecordActivity(sessionID string) {
	now := t.now()
	t.mu.Lock()
	t.last[sessionID] = now
	t.mu.Unlock()
}

// Forget stops tracking the session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.last, sessionID)
	t.mu.Unlock()
}

// LastActivity returns the session's last activity time.
func (t *Tracker) LastActivity(sessionID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.last[sessionID]
	return ts, ok
}

// IdleFor returns how long the session has been idle.
func (t *Tracker) IdleFor(sessionID string) time.Duration {
	ts, ok := t.LastActivity(sessionID)
	if !ok {
		return 0
	}
	return t.now().Sub(ts)
}

// Expired returns sessions idle longer than the timeout, oldest first.
func (t *Tracker) Expired() []string {
	if t.timeout <= 0 {
		return nil
	}
	cutoff := t.now().Add(-t.timeout)

	t.mu.RLock()
	type entry struct {
		id string
		ts time.Time
	}
	var expired []entry
	for id, ts := range t.last {
		if ts.Before(cutoff) {
			expired = append(expired, entry{id, ts})
		}
	}
	t.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ts.Before(expired[j].ts) })
	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.id
	}
	return ids
}

// Target is what the reaper acts on.
type Target interface {
	// Quiescent reports whether the session has no attached connections and
	// no relay in flight.
	Quiescent(sessionID string) bool
	// EndIdle ends the session.
	EndIdle(ctx context.Context, sessionID string) error
}

// Reaper periodically ends expired, quiescent sessions.
type Reaper struct {
	tracker  *Tracker
	target   Target
	interval time.Duration
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(tracker *Tracker, target Target, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		tracker:  tracker,
		target:   target,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run sweeps until ctx is done or Stop is called. It returns immediately
// when the tracker has no timeout.
func (r *Reaper) Run(ctx context.Context) {
	if r.tracker.Timeout() <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stop ends Run.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Sweep ends every expired session that is quiescent and returns how many
// were ended. Sessions with viewers or a running relay are left alone.
func (r *Reaper) Sweep(ctx context.Context) int {
	ended := 0
	for _, id := range r.tracker.Expired() {
		if !r.target.Quiescent(id) {
			continue
		}
		idle := r.tracker.IdleFor(id).Round(time.Second)
		if err := r.target.EndIdle(ctx, id); err != nil {
			r.logger.Warn("Failed to end idle session", "sessionID", id, "idle", idle, "error", err)
			continue
		}
		r.tracker.Forget(id)
		r.logger.Info("Ended idle session", "sessionID", id, "idle", idle)
		ended++
	}
	return ended
}
