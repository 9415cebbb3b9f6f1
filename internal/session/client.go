package session

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers/atomic_clock"
	"github.com/sensorstation/stationd/log2"
	"github.com/temoto/alive/v2"
)

const DefaultNetworkTimeout = 30 * time.Second

var (
	ErrClientClosing      = fmt.Errorf("MQTT client is closing")
	ErrClientNotConnected = fmt.Errorf("MQTT client is not connected")
)

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Will           *packet.Message
	Log            *log2.Log

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Station telemetry MQTT client.
// - NewClient() returns only configuration errors, network IO happens on Start/Reconnect
// - Connect with clean session only
// - QOS 0,1
// - Publish is asynchronous, PUBACK is observed on the event stream
// - Exactly one connection attempt per Start()/Reconnect() call; the
//   caller owns retry policy and learns outcomes from the event stream
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *conn
	events  chan Event
	lastID  uint32
	opt     ClientOptions
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		events: make(chan Event, 16),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	return c, nil
}

// Events delivers session lifecycle and acknowledgement events.
// Consumed by exactly one reader (the session manager).
func (c *Client) Events() <-chan Event { return c.events }

// Start issues the first connection attempt. Network IO in background,
// outcome arrives as EventConnected or EventDisconnected.
func (c *Client) Start() error { return c.Reconnect() }

// Reconnect drops a stale connection if any and starts exactly one new
// attempt. An error return is unrecoverable for this client.
func (c *Client) Reconnect() error {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return errors.Trace(ErrClientClosing)
	}
	if c.current != nil {
		_ = c.current.die(ErrClientClosing)
		c.current.alive.Wait()
	}
	c.current = newConn(c.opt, c.emit)
	return nil
}

func (c *Client) Close() error {
	err := ErrClientNotConnected
	if cc := c.conn(); cc != nil {
		err = cc.send(packet.NewDisconnect())
		err = cc.die(err)
	}
	c.alive.Stop()
	c.alive.Wait()
	if cc := c.conn(); cc != nil {
		cc.alive.Wait()
	}
	close(c.events)
	return err
}

// Publish sends PUBLISH and returns the assigned packet id without
// waiting for PUBACK; the ack shows up as EventAck{Published}.
func (c *Client) Publish(msg *packet.Message) (packet.ID, error) {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	cc := c.conn()
	if cc == nil || !cc.isConnected() {
		return 0, errors.Trace(ErrClientNotConnected)
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}
	if err := cc.send(publish); err != nil {
		return 0, errors.Annotate(err, "send PUBLISH")
	}
	return publish.ID, nil
}

// Subscribe sends SUBSCRIBE, SUBACK shows up as EventAck{Subscribed}.
func (c *Client) Subscribe(subs []packet.Subscription) (packet.ID, error) {
	cc := c.conn()
	if cc == nil || !cc.isConnected() {
		return 0, errors.Trace(ErrClientNotConnected)
	}
	subpkt := packet.NewSubscribe()
	subpkt.ID = c.nextID()
	subpkt.Subscriptions = subs
	if err := cc.send(subpkt); err != nil {
		return 0, errors.Annotate(err, "send SUBSCRIBE")
	}
	return subpkt.ID, nil
}

func (c *Client) conn() *conn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() && c.current == nil {
		return nil
	}
	return c.current
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.alive.StopChan():
	}
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	return packet.ID(u32 % (1 << 16))
}

// Single broker connection: transport.Conn with CONNECT handshake,
// keepalive pings and a reader goroutine. State is set once at creation
// except transport.Conn which requires blocking Dial.
type conn struct {
	alive     *alive.Alive
	closed    uint32
	connected uint32
	emit      func(Event)
	opt       ClientOptions
	pingat    *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat    *atomic_clock.Clock // timestamp of last incoming control packet
	tconn     atomic.Value        // transport.Conn
}

func newConn(opt ClientOptions, emit func(Event)) *conn {
	cc := &conn{
		alive:  alive.NewAlive(),
		emit:   emit,
		opt:    opt,
		pingat: atomic_clock.New(0),
		pongat: atomic_clock.New(0),
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *conn) isConnected() bool {
	return atomic.LoadUint32(&cc.connected) == 1 && cc.alive.IsRunning()
}

func (cc *conn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	if tc := cc.getConn(); tc != nil {
		_ = tc.Close()
	}
	if e != ErrClientClosing && !isClosedConn(e) {
		cc.emit(Event{Kind: EventError, Err: e})
	}
	cc.emit(Event{Kind: EventDisconnected, Err: e})
	return e
}

func (cc *conn) getConn() transport.Conn {
	if x := cc.tconn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *conn) connect() {
	defer cc.alive.Done()

	tc, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.tconn.Store(tc)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		tc.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := tc.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			_ = cc.die(errors.Errorf("connect: server error pkt=%s", PacketString(pkt)))
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Errorf("connect: denied %s", connack.ReturnCode.String()))
			return
		}
		tc.SetReadTimeout(0)
	}

	if !cc.alive.Add(2) {
		_ = cc.die(ErrClientClosing)
		return
	}
	atomic.StoreUint32(&cc.connected, 1)
	cc.pongat.SetNow()
	cc.emit(Event{Kind: EventConnected})
	go cc.pinger()
	go cc.reader()
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *conn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Send PINGREQ as late as possible to keep traffic minimal while
	// leaving NetworkTimeout room for the response.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(errors.Timeoutf("broker PINGRESP"))
			return
		}
	}
}

func (cc *conn) reader() {
	defer cc.alive.Done()

	tc := cc.getConn()
	for {
		pkt, err := tc.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			cc.opt.Log.Errorf("server closed connection")
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			for _, code := range pt.ReturnCodes {
				if code == packet.QOSFailure {
					_ = cc.die(errors.Errorf("subscription rejected id=%d", pt.ID))
					return
				}
			}
			cc.emit(Event{Kind: EventAck, Ack: AckSubscribed, ID: pt.ID})

		case *packet.Unsuback:
			cc.emit(Event{Kind: EventAck, Ack: AckUnsubscribed, ID: pt.ID})

		case *packet.Puback:
			cc.emit(Event{Kind: EventAck, Ack: AckPublished, ID: pt.ID})

		case *packet.Publish:
			cc.onPublish(pt)

		default:
			cc.opt.Log.Debugf("unknown packet %s", PacketString(pkt))
		}
	}
}

func (cc *conn) onPublish(publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = cc.die(errors.Errorf("server error qos=2 not supported"))
		return
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := cc.send(puback); err != nil {
			return
		}
	}
	msg := publish.Message
	cc.emit(Event{Kind: EventData, Message: &msg})
}

func (cc *conn) send(p packet.Generic) error {
	tc := cc.getConn()
	if tc == nil {
		return errors.Trace(ErrClientNotConnected)
	}
	if err := tc.Send(p, false); err != nil {
		return cc.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}
