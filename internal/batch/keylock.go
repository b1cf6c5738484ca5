package batch

import "time"

// keyLock is a mutex with bounded acquisition. The registry keeps one per
// contact key to serialize batch mutation against the processor's
// snapshot and removal sections. A caller that cannot acquire within the
// bound logs and falls back instead of blocking forever on a stuck lock.
type keyLock struct {
	ch chan struct{}
}

func newKeyLock() *keyLock {
	l := &keyLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// acquire takes the lock, waiting at most timeout. Returns false when the
// bound expires.
func (l *keyLock) acquire(timeout time.Duration) bool {
	select {
	case <-l.ch:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.ch:
		return true
	case <-t.C:
		return false
	}
}

// release returns the lock. Releasing an already-free lock is a no-op, so
// the force-removal path can release unconditionally.
func (l *keyLock) release() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}
