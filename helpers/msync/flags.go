// Package msync holds small synchronisation primitives shared by station
// subsystems.
package msync

import (
	"context"
	"sync"
)

// Flag is a bitmask of independent boolean conditions.
type Flag uint32

// FlagGroup is a waitable set of flags, akin to a FreeRTOS event group.
// Each flag is owned by exactly one writer; waiters from any goroutine.
// Wake-ups are broadcast on every transition, waiters re-check their own
// mask, so clearing an unrelated flag never releases a waiter.
type FlagGroup struct {
	mu   sync.Mutex
	bits Flag
	gen  chan struct{}
}

func NewFlagGroup() *FlagGroup {
	return &FlagGroup{gen: make(chan struct{})}
}

func (g *FlagGroup) Set(f Flag) {
	g.mu.Lock()
	if g.bits&f != f {
		g.bits |= f
		g.broadcast()
	}
	g.mu.Unlock()
}

func (g *FlagGroup) Clear(f Flag) {
	g.mu.Lock()
	if g.bits&f != 0 {
		g.bits &^= f
		g.broadcast()
	}
	g.mu.Unlock()
}

// Contains reports whether every flag in mask is currently set.
func (g *FlagGroup) Contains(mask Flag) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits&mask == mask
}

// WaitAll blocks until every flag in mask is set at the same observed
// snapshot, or ctx is done.
func (g *FlagGroup) WaitAll(ctx context.Context, mask Flag) error {
	for {
		bits, changed := g.snapshot()
		if bits&mask == mask {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitAny blocks until at least one flag in mask is set, or ctx is done.
// Returns the set of mask flags observed set at release.
func (g *FlagGroup) WaitAny(ctx context.Context, mask Flag) (Flag, error) {
	for {
		bits, changed := g.snapshot()
		if got := bits & mask; got != 0 {
			return got, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitCleared blocks until every flag in mask is clear, or ctx is done.
func (g *FlagGroup) WaitCleared(ctx context.Context, mask Flag) error {
	for {
		bits, changed := g.snapshot()
		if bits&mask == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcast must be called with mu held.
func (g *FlagGroup) broadcast() {
	close(g.gen)
	g.gen = make(chan struct{})
}

func (g *FlagGroup) snapshot() (Flag, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits, g.gen
}
