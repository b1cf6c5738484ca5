package batch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/smsflow/internal/bus"
)

// defaultLockWait bounds per-key lock acquisition. A submit or cleanup
// that cannot get the lock within this bound logs and falls back rather
// than deadlocking on a stuck batch.
const defaultLockWait = 2 * time.Second

// Registry owns the in-flight batches: one Batch, one lock, and at most
// one armed DelayTimer per contact key. Distinct keys proceed fully in
// parallel; the registry mutex guards only the maps and is held for
// short in-memory sections.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	locks   map[string]*keyLock
	timers  map[string]*DelayTimer

	waitNanos     atomic.Int64 // wait duration, read at batch creation
	maxConcurrent int
	lockWait      time.Duration

	handler atomic.Value // func(contactKey string), invoked on timer expiry
	events  bus.EventPublisher
}

// NewRegistry creates an empty registry. events may be nil.
func NewRegistry(wait time.Duration, maxConcurrent int, events bus.EventPublisher) *Registry {
	r := &Registry{
		batches:       make(map[string]*Batch),
		locks:         make(map[string]*keyLock),
		timers:        make(map[string]*DelayTimer),
		maxConcurrent: maxConcurrent,
		lockWait:      defaultLockWait,
		events:        events,
	}
	r.waitNanos.Store(int64(wait))
	return r
}

// SetHandler installs the function invoked when a batch's timer expires.
// Must be called before the first Submit.
func (r *Registry) SetHandler(fn func(contactKey string)) {
	r.handler.Store(fn)
}

func (r *Registry) invokeHandler(contactKey string) {
	if fn, ok := r.handler.Load().(func(string)); ok && fn != nil {
		fn(contactKey)
	}
}

// WaitDuration returns the wait applied to batches created from now on.
func (r *Registry) WaitDuration() time.Duration {
	return time.Duration(r.waitNanos.Load())
}

// SetWaitDuration changes the wait for future batches. Already-armed
// timers keep their original duration.
func (r *Registry) SetWaitDuration(d time.Duration) {
	r.waitNanos.Store(int64(d))
	slog.Info("batch.wait_updated", "wait", d)
}

// Len returns the number of live batches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

// Submit appends a message to the contact's in-flight batch, or opens a
// new batch and arms its timer when none exists. Returns false when a new
// batch would exceed the admission cap (the message is dropped) or when
// the key's lock could not be acquired within the bound. Extending an
// existing batch never touches the timer and is never rejected by the
// cap.
func (r *Registry) Submit(contactKey, messageBody, sourceTag string) bool {
	// Reject a new key at capacity before any per-key state exists.
	r.mu.RLock()
	_, exists := r.batches[contactKey]
	full := len(r.batches) >= r.maxConcurrent
	r.mu.RUnlock()
	if !exists && full {
		slog.Warn("batch.rejected", "contact", contactKey, "max", r.maxConcurrent)
		r.publish(bus.EventBatchRejected, contactKey, "", 0)
		return false
	}

	lock := r.lockFor(contactKey)
	if !lock.acquire(r.lockWait) {
		slog.Error("batch.lock_timeout", "contact", contactKey, "op", "submit")
		return false
	}
	defer lock.release()

	r.mu.Lock()

	if b, ok := r.batches[contactKey]; ok {
		b.Messages = append(b.Messages, messageBody)
		b.MessageCount++
		b.LastMessageAt = time.Now().UTC()
		count := b.MessageCount
		remaining := b.deadline().Sub(time.Now().UTC())
		batchID := b.BatchID
		r.mu.Unlock()

		slog.Info("batch.extended", "contact", contactKey, "count", count, "remaining", remaining.Round(100*time.Millisecond))
		r.publish(bus.EventBatchExtended, contactKey, batchID, count)
		return true
	}

	// New key: admission re-validated under the write lock so the count
	// cannot drift past the cap. The lock entry created above is dropped
	// so the rare raced rejection also leaves no state behind.
	if len(r.batches) >= r.maxConcurrent {
		delete(r.locks, contactKey)
		r.mu.Unlock()
		slog.Warn("batch.rejected", "contact", contactKey, "max", r.maxConcurrent)
		r.publish(bus.EventBatchRejected, contactKey, "", 0)
		return false
	}

	wait := r.WaitDuration()
	b := newBatch(contactKey, messageBody, sourceTag, wait)
	r.batches[contactKey] = b

	// Arm exactly one timer per key. A stale handle here means a fired
	// timer the reaper hasn't swept yet; the new batch still needs its
	// own deadline, so only a live handle suppresses arming.
	if t, ok := r.timers[contactKey]; !ok || t.Fired() {
		key := contactKey
		r.timers[contactKey] = newDelayTimer(contactKey, wait, func() {
			slog.Info("batch.timer_fired", "contact", key)
			r.invokeHandler(key)
		})
	}
	batchID := b.BatchID
	r.mu.Unlock()

	slog.Info("batch.started", "contact", contactKey, "wait", wait)
	r.publish(bus.EventBatchStarted, contactKey, batchID, 1)
	return true
}

// ForceProcess drains the contact's batch now, bypassing the timer.
// Returns false when no batch exists. The drain's removal step stops the
// armed timer; a fire already racing the removal finds the batch gone
// and no-ops.
func (r *Registry) ForceProcess(contactKey string) bool {
	r.mu.RLock()
	_, ok := r.batches[contactKey]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("batch.force_process_missing", "contact", contactKey)
		return false
	}

	slog.Info("batch.force_process", "contact", contactKey)
	r.invokeHandler(contactKey)
	return true
}

// Snapshot returns a read-only view of every live batch.
func (r *Registry) Snapshot() map[string]View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]View, len(r.batches))
	for key, b := range r.batches {
		t, hasTimer := r.timers[key]
		out[key] = b.view(hasTimer && !t.Fired())
	}
	return out
}

// TimerDebug returns the state of every tracked timer handle.
func (r *Registry) TimerDebug() map[string]TimerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]TimerInfo, len(r.timers))
	for key, t := range r.timers {
		out[key] = t.info()
	}
	return out
}

// ClearAll unconditionally drops all batches, locks, and timer handles
// without processing anything. Pending messages are discarded and timers
// are stopped. Administrative escape hatch only.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	n := len(r.batches)
	for _, t := range r.timers {
		t.stop()
	}
	r.batches = make(map[string]*Batch)
	r.locks = make(map[string]*keyLock)
	r.timers = make(map[string]*DelayTimer)
	r.mu.Unlock()

	slog.Info("batch.cleared_all", "dropped", n)
	r.publish(bus.EventBatchCleared, "", "", n)
	return n
}

// take snapshots the batch for processing under its key lock. Returns
// false when no batch exists (already drained by a racing invocation).
// The batch stays registered until remove runs; messages arriving in
// between extend a batch that is already being answered and are dropped
// with it.
func (r *Registry) take(contactKey string) (Batch, bool) {
	lock := r.lockFor(contactKey)
	if !lock.acquire(r.lockWait) {
		// Proceed without the lock rather than abandon the batch.
		slog.Error("batch.lock_timeout", "contact", contactKey, "op", "take")
	} else {
		defer lock.release()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.batches[contactKey]
	if !ok {
		return Batch{}, false
	}

	snap := *b
	snap.Messages = make([]string, len(b.Messages))
	copy(snap.Messages, b.Messages)
	return snap, true
}

// remove deletes the batch and its auxiliary state under the key lock.
// On lock timeout it force-removes anyway: a leaked batch is worse than
// a briefly inconsistent map. Returns whether a batch was removed.
func (r *Registry) remove(contactKey string) bool {
	lock := r.lockFor(contactKey)
	if !lock.acquire(r.lockWait) {
		slog.Error("batch.lock_timeout", "contact", contactKey, "op", "remove")
	} else {
		defer lock.release()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.batches[contactKey]; !ok {
		return false
	}
	delete(r.batches, contactKey)
	delete(r.locks, contactKey)
	if t, ok := r.timers[contactKey]; ok {
		t.stop()
		delete(r.timers, contactKey)
	}
	return true
}

// reapStale is the reaper's sweep: drop fired timer handles, then drop
// batches older than staleAge along with their locks. Stale batches are
// a bug backstop, not a processing path — their messages are discarded.
func (r *Registry) reapStale(staleAge time.Duration) (timersDropped, batchesDropped int) {
	now := time.Now().UTC()

	r.mu.Lock()
	for key, t := range r.timers {
		if _, live := r.batches[key]; !live && t.Fired() {
			delete(r.timers, key)
			timersDropped++
		}
	}
	var stale []string
	for key, b := range r.batches {
		if now.Sub(b.CreatedAt) > staleAge {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(r.batches, key)
		delete(r.locks, key)
		if t, ok := r.timers[key]; ok {
			t.stop()
			delete(r.timers, key)
		}
		batchesDropped++
	}
	// Orphaned locks (e.g. from rejected submissions) go too.
	for key := range r.locks {
		if _, live := r.batches[key]; !live {
			delete(r.locks, key)
		}
	}
	r.mu.Unlock()

	for _, key := range stale {
		slog.Warn("batch.reaped_stale", "contact", key, "age_limit", staleAge)
		r.publish(bus.EventBatchReaped, key, "", 0)
	}
	return timersDropped, batchesDropped
}

// lockFor returns the key's lock, creating it if missing.
func (r *Registry) lockFor(contactKey string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[contactKey]
	if !ok {
		l = newKeyLock()
		r.locks[contactKey] = l
	}
	return l
}

func (r *Registry) publish(name, contactKey, batchID string, count int) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{
		Name: name,
		Payload: bus.BatchEventPayload{
			ContactKey:   contactKey,
			BatchID:      batchID,
			MessageCount: count,
		},
	})
}
