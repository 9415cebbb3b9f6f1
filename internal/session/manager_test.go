package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/sensorstation/stationd/internal/session"
	"github.com/sensorstation/stationd/internal/state"
	"github.com/sensorstation/stationd/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	mu           sync.Mutex
	events       chan session.Event
	starts       int
	reconnects   []time.Time
	reconnectErr error
	published    []packet.Message
	subscribed   []packet.Subscription
}

func newMockSession() *mockSession {
	return &mockSession{events: make(chan session.Event, 16)}
}

func (m *mockSession) Start() error {
	m.mu.Lock()
	m.starts++
	m.mu.Unlock()
	return nil
}

func (m *mockSession) Reconnect() error {
	m.mu.Lock()
	m.reconnects = append(m.reconnects, time.Now())
	err := m.reconnectErr
	m.mu.Unlock()
	return err
}

func (m *mockSession) Publish(msg *packet.Message) (packet.ID, error) {
	m.mu.Lock()
	m.published = append(m.published, *msg)
	id := packet.ID(len(m.published))
	m.mu.Unlock()
	return id, nil
}

func (m *mockSession) Subscribe(subs []packet.Subscription) (packet.ID, error) {
	m.mu.Lock()
	m.subscribed = append(m.subscribed, subs...)
	m.mu.Unlock()
	return 1, nil
}

func (m *mockSession) Events() <-chan session.Event { return m.events }
func (m *mockSession) Close() error                 { close(m.events); return nil }

func (m *mockSession) reconnectTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.reconnects))
	copy(out, m.reconnects)
	return out
}

func (m *mockSession) publishedCopy() []packet.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]packet.Message, len(m.published))
	copy(out, m.published)
	return out
}

type env struct {
	ctx    context.Context
	cancel context.CancelFunc
	flags  *msync.FlagGroup
	sess   *mockSession
	mgr    *session.Manager
	fatal  chan error
}

func testSetup(t testing.TB, grace time.Duration) *env {
	e := &env{
		flags: msync.NewFlagGroup(),
		sess:  newMockSession(),
		fatal: make(chan error, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mgr = session.NewManager(session.ManagerOptions{
		Client:         e.sess,
		Flags:          e.flags,
		Log:            log2.NewTest(t, log2.LDebug),
		Grace:          grace,
		HandshakeTopic: "station1/c",
		SubscribeTopic: "station1/r/c",
		Fatal:          func(err error) { e.fatal <- err },
	})
	go e.mgr.Run(e.ctx)
	return e
}

func (e *env) emit(ev session.Event) { e.sess.events <- ev }

func (e *env) waitSessionUp(t testing.TB) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.flags.WaitAll(ctx, state.FlagSessionUp))
}

func (e *env) waitSessionDown(t testing.TB) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.flags.WaitCleared(ctx, state.FlagSessionUp))
}

func TestConnectedHandshake(t *testing.T) {
	t.Parallel()

	e := testSetup(t, time.Millisecond)
	defer e.cancel()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)
	assert.Equal(t, session.StateConnected, e.mgr.State())

	published := e.sess.publishedCopy()
	require.Len(t, published, 1)
	assert.Equal(t, "station1/c", published[0].Topic)
	assert.Equal(t, []byte{0x01}, published[0].Payload)
	assert.Equal(t, packet.QOSAtLeastOnce, published[0].QOS)
	assert.True(t, published[0].Retain)
	require.Len(t, e.sess.subscribed, 1)
	assert.Equal(t, "station1/r/c", e.sess.subscribed[0].Topic)
}

func TestRepeatedConnectedIdempotent(t *testing.T) {
	t.Parallel()

	e := testSetup(t, time.Millisecond)
	defer e.cancel()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)
	e.emit(session.Event{Kind: session.EventConnected})
	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)

	// handshake must not repeat
	assert.Len(t, e.sess.publishedCopy(), 1)
	e.sess.mu.Lock()
	assert.Len(t, e.sess.subscribed, 1)
	e.sess.mu.Unlock()
}

func TestRecoveryWaitsForLinkAndGrace(t *testing.T) {
	t.Parallel()

	const grace = 80 * time.Millisecond
	e := testSetup(t, grace)
	defer e.cancel()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)

	// link went away first, then the session noticed
	e.emit(session.Event{Kind: session.EventDisconnected, Err: errors.New("broker gone")})
	e.waitSessionDown(t)

	// no reconnect while link is down
	time.Sleep(2 * grace)
	assert.Empty(t, e.sess.reconnectTimes())
	assert.Equal(t, session.StateRecovering, e.mgr.State())

	linkUpAt := time.Now()
	e.flags.Set(state.FlagLinkUp)

	require.Eventually(t, func() bool { return len(e.sess.reconnectTimes()) == 1 },
		time.Second, 5*time.Millisecond)
	delay := e.sess.reconnectTimes()[0].Sub(linkUpAt)
	assert.GreaterOrEqual(t, int64(delay), int64(grace), "reconnect before grace elapsed")
}

func TestRapidDisconnectsSingleReconnect(t *testing.T) {
	t.Parallel()

	const grace = 50 * time.Millisecond
	e := testSetup(t, grace)
	defer e.cancel()
	e.flags.Set(state.FlagLinkUp)

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)
	e.emit(session.Event{Kind: session.EventDisconnected})
	e.emit(session.Event{Kind: session.EventDisconnected})

	time.Sleep(4 * grace)
	assert.Len(t, e.sess.reconnectTimes(), 1, "overlapping reconnects")
}

func TestTransportErrorIsDiagnosticOnly(t *testing.T) {
	t.Parallel()

	e := testSetup(t, time.Millisecond)
	defer e.cancel()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)

	sockErr := errors.New("connection reset by peer")
	e.emit(session.Event{Kind: session.EventError, Err: sockErr})

	require.Eventually(t, func() bool {
		err, ok := e.mgr.LastTransportError()
		return ok && err == sockErr
	}, time.Second, 5*time.Millisecond)

	// no transition, no reconnect
	assert.True(t, e.flags.Contains(state.FlagSessionUp))
	assert.Equal(t, session.StateConnected, e.mgr.State())
	assert.Empty(t, e.sess.reconnectTimes())
}

func TestFatalReconnect(t *testing.T) {
	t.Parallel()

	e := testSetup(t, time.Millisecond)
	defer e.cancel()
	e.flags.Set(state.FlagLinkUp)
	e.sess.mu.Lock()
	e.sess.reconnectErr = errors.New("unrecoverable")
	e.sess.mu.Unlock()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)
	e.emit(session.Event{Kind: session.EventDisconnected})

	select {
	case err := <-e.fatal:
		assert.Contains(t, err.Error(), "unrecoverable")
	case <-time.After(time.Second):
		t.Fatal("fatal escalation did not happen")
	}
}

func TestAckAndDataAreObservational(t *testing.T) {
	t.Parallel()

	e := testSetup(t, time.Millisecond)
	defer e.cancel()

	e.emit(session.Event{Kind: session.EventConnected})
	e.waitSessionUp(t)

	e.emit(session.Event{Kind: session.EventAck, Ack: session.AckPublished, ID: 7})
	e.emit(session.Event{Kind: session.EventData,
		Message: &packet.Message{Topic: "station1/r/c", Payload: []byte("ping")}})
	e.emit(session.Event{Kind: session.EventAck, Ack: session.AckUnsubscribed, ID: 8})

	// still connected, nothing reconnected, handshake not repeated
	time.Sleep(50 * time.Millisecond)
	assert.True(t, e.flags.Contains(state.FlagSessionUp))
	assert.Equal(t, session.StateConnected, e.mgr.State())
	assert.Empty(t, e.sess.reconnectTimes())
	assert.Len(t, e.sess.publishedCopy(), 1)
}
