package batch

import (
	"log/slog"
	"time"
)

// Reaper periodically sweeps the registry: fired timer handles whose
// batch is gone, and batches old enough that something must have gone
// wrong with their drain. It is a defensive backstop — under normal
// operation every cycle finds nothing.
type Reaper struct {
	registry *Registry
	interval time.Duration
	staleAge time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewReaper creates a reaper for the registry. Start must be called.
func NewReaper(reg *Registry, interval, staleAge time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAge <= 0 {
		staleAge = time.Hour
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		staleAge: staleAge,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop on its own goroutine.
func (r *Reaper) Start() {
	slog.Info("reaper.started", "interval", r.interval, "stale_age", r.staleAge)
	go r.loop()
}

// Stop terminates the loop and waits for the current cycle to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.cycle()
		}
	}
}

// cycle runs one sweep. A panic is contained so the next tick still runs.
func (r *Reaper) cycle() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper.cycle_panic", "panic", rec)
		}
	}()

	live := r.registry.Len()
	timers, batches := r.registry.reapStale(r.staleAge)
	if timers > 0 || batches > 0 {
		slog.Info("reaper.swept", "timers_dropped", timers, "batches_dropped", batches, "live_before", live)
	} else {
		slog.Debug("reaper.idle", "live", live)
	}
}
