package batch

import (
	"sync/atomic"
	"time"
)

// DelayTimer invokes its callback at most once after a fixed duration,
// on its own goroutine. There is no re-arming: appending to a batch never
// touches its timer. The registry stops the timer when it drops the
// handle so a stale fire cannot drain a later batch for the same key;
// a fire already in flight races removal and no-ops against the empty
// registry.
type DelayTimer struct {
	ContactKey string
	Duration   time.Duration
	ArmedAt    time.Time

	fired atomic.Bool
	timer *time.Timer
}

// newDelayTimer arms a one-shot timer for the key.
func newDelayTimer(contactKey string, d time.Duration, fn func()) *DelayTimer {
	dt := &DelayTimer{
		ContactKey: contactKey,
		Duration:   d,
		ArmedAt:    time.Now().UTC(),
	}
	dt.timer = time.AfterFunc(d, func() {
		dt.fired.Store(true)
		fn()
	})
	return dt
}

// Fired reports whether the timer has already gone off. Used by the
// reaper to drop completed handles and by the timer debug endpoint.
func (t *DelayTimer) Fired() bool { return t.fired.Load() }

// stop cancels the pending fire if it has not happened yet. Called when
// the handle leaves the registry; at-most-once is already guaranteed by
// fired, stopping just keeps an early-drained key's old timer from
// firing into a fresh batch.
func (t *DelayTimer) stop() {
	t.timer.Stop()
}

// Remaining returns the time until the timer fires, floored at zero.
func (t *DelayTimer) Remaining() time.Duration {
	r := time.Until(t.ArmedAt.Add(t.Duration))
	if r < 0 {
		return 0
	}
	return r
}

// TimerInfo is the debug view of one armed timer handle.
type TimerInfo struct {
	ContactKey   string    `json:"contact_key"`
	ArmedAt      time.Time `json:"armed_at"`
	DurationSec  float64   `json:"duration_seconds"`
	RemainingSec float64   `json:"remaining_seconds"`
	Fired        bool      `json:"fired"`
}

func (t *DelayTimer) info() TimerInfo {
	return TimerInfo{
		ContactKey:   t.ContactKey,
		ArmedAt:      t.ArmedAt,
		DurationSec:  t.Duration.Seconds(),
		RemainingSec: round1(t.Remaining().Seconds()),
		Fired:        t.Fired(),
	}
}
