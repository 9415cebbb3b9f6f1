package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers"
	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/sensorstation/stationd/internal/state"
	"github.com/sensorstation/stationd/log2"
)

// Pause between link recovery and session reconnect, avoids hammering
// the broker during transient link flaps.
const DefaultReconnectGrace = 5 * time.Second

type ManagerState uint8

const (
	StateDisconnected ManagerState = iota
	StateConnecting
	StateConnected
	StateRecovering
)

func (s ManagerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	}
	return "disconnected"
}

// Sessioner is the session capability boundary as the manager sees it.
// *Client is the production implementation.
type Sessioner interface {
	Start() error
	Reconnect() error
	Publish(*packet.Message) (packet.ID, error)
	Subscribe([]packet.Subscription) (packet.ID, error)
	Events() <-chan Event
	Close() error
}

type ManagerOptions struct {
	Client Sessioner
	Flags  *msync.FlagGroup
	Log    *log2.Log
	Grace  time.Duration
	// retained birth marker, also the first-connect handshake publish
	HandshakeTopic string
	// default command subscription issued once after first connect
	SubscribeTopic string
	// escalation for unrecoverable reconnect failures
	Fatal func(error)
}

// Manager owns the broker session lifecycle and the session-up flag.
// On session loss it blocks until link-up (a reconnect attempted while
// the link is down predictably fails and storms the stack), waits the
// grace period, then issues exactly one reconnect.
type Manager struct {
	opt     ManagerOptions
	lastErr helpers.AtomicError

	mu            sync.Mutex
	st            ManagerState
	handshakeDone bool

	recovering uint32
}

func NewManager(opt ManagerOptions) *Manager {
	if opt.Client == nil {
		panic("code error session.NewManager Client=nil")
	}
	if opt.Flags == nil {
		panic("code error session.NewManager Flags=nil")
	}
	if opt.Grace == 0 {
		opt.Grace = DefaultReconnectGrace
	}
	return &Manager{opt: opt}
}

func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// LastTransportError returns the most recent transport-layer failure
// reported by the session stack arrived via EventError. Diagnostic only.
func (m *Manager) LastTransportError() (error, bool) {
	return m.lastErr.Load()
}

// Publish forwards to the active session. Borrowed by the telemetry
// loop; safe to call concurrently with lifecycle transitions.
func (m *Manager) Publish(topic string, payload []byte, qos packet.QOS, retain bool) (packet.ID, error) {
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: qos, Retain: retain}
	id, err := m.opt.Client.Publish(msg)
	if err != nil {
		return 0, errors.Annotatef(err, "publish topic=%s", topic)
	}
	m.opt.Log.Debugf("session publish topic=%s payload=%s id=%d", topic, payload, id)
	return id, nil
}

// Run starts the session and consumes its events until ctx is done.
// Intended as a goroutine for the process lifetime.
func (m *Manager) Run(ctx context.Context) {
	if err := m.opt.Client.Start(); err != nil {
		m.fatal(errors.Annotate(err, "session start"))
		return
	}
	m.setState(StateConnecting)

	events := m.opt.Client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, ev)

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.opt.Log.Infof("session connected")
		// handshake before opening the gate so the retained online
		// marker precedes the first telemetry publish
		m.handshake()
		m.setState(StateConnected)
		m.opt.Flags.Set(state.FlagSessionUp)

	case EventDisconnected:
		m.opt.Log.Infof("session disconnected err=%v", ev.Err)
		m.opt.Flags.Clear(state.FlagSessionUp)
		go m.recover(ctx)

	case EventAck:
		// observational only
		m.opt.Log.Infof("session %s id=%d", ev.Ack, ev.ID)

	case EventData:
		m.opt.Log.Infof("session data %s", MessageString(ev.Message))

	case EventError:
		// no state transition: if the connection is really gone, the
		// following disconnect event drives recovery
		m.lastErr.Store(ev.Err)
		m.opt.Log.Errorf("session transport err=%v", ev.Err)

	default:
		m.opt.Log.Errorf("session unknown event=%s", ev.String())
	}
}

// handshake publishes the retained online marker and issues the default
// subscription, once per process; repeated connect events are no-ops.
func (m *Manager) handshake() {
	m.mu.Lock()
	if m.handshakeDone {
		m.mu.Unlock()
		return
	}
	m.handshakeDone = true
	m.mu.Unlock()

	if m.opt.HandshakeTopic != "" {
		msg := &packet.Message{
			Topic:   m.opt.HandshakeTopic,
			Payload: []byte{0x01},
			QOS:     packet.QOSAtLeastOnce,
			Retain:  true,
		}
		if _, err := m.opt.Client.Publish(msg); err != nil {
			m.opt.Log.Error(errors.Annotate(err, "handshake publish"))
		}
	}
	if m.opt.SubscribeTopic != "" {
		subs := []packet.Subscription{{Topic: m.opt.SubscribeTopic, QOS: packet.QOSAtLeastOnce}}
		if _, err := m.opt.Client.Subscribe(subs); err != nil {
			m.opt.Log.Error(errors.Annotate(err, "handshake subscribe"))
		}
	}
}

// recover runs at most once at a time; a second session-lost while
// recovery is in flight must not stack reconnect attempts.
func (m *Manager) recover(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&m.recovering, 0, 1) {
		return
	}
	defer atomic.StoreUint32(&m.recovering, 0)

	m.setState(StateRecovering)
	m.opt.Log.Infof("session recovery: wait for link")
	if err := m.opt.Flags.WaitAll(ctx, state.FlagLinkUp); err != nil {
		return
	}
	select {
	case <-time.After(m.opt.Grace):
	case <-ctx.Done():
		return
	}

	m.setState(StateConnecting)
	m.opt.Log.Infof("session recovery: reconnect")
	if err := m.opt.Client.Reconnect(); err != nil {
		m.fatal(errors.Annotate(err, "session reconnect"))
	}
}

func (m *Manager) setState(s ManagerState) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

func (m *Manager) fatal(err error) {
	if m.opt.Fatal != nil {
		m.opt.Fatal(err)
		return
	}
	m.opt.Log.Fatal(errors.ErrorStack(err))
}
