package helpers

import "sync"

// AtomicError is a mutex-guarded error slot. Handy for diagnostics
// collected from concurrent event handlers.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// Store overwrites the kept error, Load reports set=true from then on.
func (a *AtomicError) Store(e error) {
	a.mu.Lock()
	a.err, a.set = e, true
	a.mu.Unlock()
}
