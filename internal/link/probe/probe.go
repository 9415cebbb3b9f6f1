// Package probe synthesizes link lifecycle events for a Linux network
// interface. Association and DHCP belong to the OS supplicant; this
// prober only observes operstate plus assigned addresses and reports
// transitions as link.Event. Connect() nudges an immediate re-probe.
package probe

import (
	"bytes"
	"io/ioutil"
	"net"
	"time"

	"github.com/sensorstation/stationd/internal/link"
	"github.com/sensorstation/stationd/log2"
	"github.com/temoto/alive/v2"
)

const DefaultInterval = 3 * time.Second

type Options struct {
	Iface    string
	Interval time.Duration
	Log      *log2.Log
}

type Prober struct {
	alive  *alive.Alive
	events chan link.Event
	kick   chan struct{}
	opt    Options
}

func New(opt Options) *Prober {
	if opt.Interval == 0 {
		opt.Interval = DefaultInterval
	}
	p := &Prober{
		alive:  alive.NewAlive(),
		events: make(chan link.Event, 4),
		kick:   make(chan struct{}, 1),
		opt:    opt,
	}
	p.alive.Add(1)
	go p.worker()
	return p
}

func (p *Prober) Events() <-chan link.Event { return p.events }

func (p *Prober) Connect() error {
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

func (p *Prober) Close() {
	p.alive.Stop()
	p.alive.Wait()
}

func (p *Prober) worker() {
	defer p.alive.Done()
	stopch := p.alive.StopChan()

	p.emit(link.EventStart)
	up := false

	t := time.NewTicker(p.opt.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-p.kick:
		case <-stopch:
			close(p.events)
			return
		}

		now := p.check()
		if now == up {
			continue
		}
		up = now
		if up {
			p.emit(link.EventAddrAcquired)
		} else {
			p.emit(link.EventLost)
		}
	}
}

func (p *Prober) emit(ev link.Event) {
	select {
	case p.events <- ev:
	case <-p.alive.StopChan():
	}
}

func (p *Prober) check() bool {
	iface, err := net.InterfaceByName(p.opt.Iface)
	if err != nil {
		p.opt.Log.Debugf("probe iface=%s err=%v", p.opt.Iface, err)
		return false
	}
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if !operstateUp(p.opt.Iface) {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		p.opt.Log.Debugf("probe iface=%s addrs err=%v", p.opt.Iface, err)
		return false
	}
	return HasGlobalUnicast(addrs)
}

func operstateUp(iface string) bool {
	b, err := ioutil.ReadFile("/sys/class/net/" + iface + "/operstate")
	if err != nil {
		// not Linux sysfs, fall back to flags+address checks alone
		return true
	}
	return bytes.Equal(bytes.TrimSpace(b), []byte("up"))
}

// HasGlobalUnicast reports whether any addr is a routable unicast IP,
// i.e. DHCP (or static config) has delivered.
func HasGlobalUnicast(addrs []net.Addr) bool {
	for _, a := range addrs {
		var ip net.IP
		switch at := a.(type) {
		case *net.IPNet:
			ip = at.IP
		case *net.IPAddr:
			ip = at.IP
		default:
			continue
		}
		if ip.IsGlobalUnicast() {
			return true
		}
	}
	return false
}
