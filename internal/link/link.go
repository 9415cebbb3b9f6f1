// Package link supervises the device's network attachment.
//
// The actual association and address acquisition (supplicant, DHCP) is the
// job of an external stack behind the Linker interface. This package only
// reacts to its lifecycle events and keeps the link-up connectivity flag
// honest, reissuing connect on every loss. Retry is unconditional and
// unbounded on purpose: an unattended field device has nothing better to do.
package link

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/sensorstation/stationd/internal/state"
	"github.com/sensorstation/stationd/log2"
)

type Event uint8

const (
	EventInvalid Event = iota
	// underlying stack started, time to issue first connect
	EventStart
	// association or carrier lost
	EventLost
	// address assigned, link is usable
	EventAddrAcquired
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventLost:
		return "lost"
	case EventAddrAcquired:
		return "addr-acquired"
	}
	return "invalid"
}

// Linker is the link capability boundary: an opaque connect plus
// lifecycle events. Connect failures are not reported here, they
// manifest as later EventLost from the stack.
type Linker interface {
	Connect() error
	Events() <-chan Event
}

type ManagerState uint8

const (
	StateDown ManagerState = iota
	StateConnecting
	StateUp
)

func (s ManagerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	}
	return "down"
}

type Manager struct {
	flags *msync.FlagGroup
	link  Linker
	log   *log2.Log

	mu sync.Mutex
	st ManagerState
}

func NewManager(log *log2.Log, flags *msync.FlagGroup, lk Linker) *Manager {
	return &Manager{
		flags: flags,
		link:  lk,
		log:   log,
	}
}

func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Run consumes link events until ctx is done. Intended as a goroutine
// for the process lifetime.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-m.link.Events():
			if !ok {
				return
			}
			m.handle(ev)

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handle(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev {
	case EventStart:
		m.connectLocked()
		m.st = StateConnecting

	case EventLost:
		m.log.Infof("link lost")
		m.flags.Clear(state.FlagLinkUp)
		m.connectLocked()
		m.st = StateConnecting

	case EventAddrAcquired:
		m.log.Infof("link up")
		m.flags.Set(state.FlagLinkUp)
		m.st = StateUp

	default:
		m.log.Errorf("link unknown event=%d", ev)
	}
}

func (m *Manager) connectLocked() {
	if err := m.link.Connect(); err != nil {
		// not a state transition, the stack will deliver EventLost if it matters
		m.log.Error(errors.Annotate(err, "link connect"))
	}
}
