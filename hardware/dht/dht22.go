package dht

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers/atomic_clock"
	"github.com/sensorstation/stationd/log2"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Datasheet minimum between sensor activations.
const MinSamplePeriod = 2 * time.Second

var (
	hostOnce sync.Once
	hostErr  error
)

// DHT22 bit-bangs the single-wire protocol on a periph.io GPIO pin.
// Sample is serialized; the activation floor is enforced here so a
// misconfigured caller cannot overdrive the sensor.
type DHT22 struct {
	mu     sync.Mutex
	pin    gpio.PinIO
	log    *log2.Log
	lastAt *atomic_clock.Clock
}

func NewDHT22(pinName string, log *log2.Log) (*DHT22, error) {
	hostOnce.Do(func() { _, hostErr = host.Init() })
	if hostErr != nil {
		return nil, errors.Annotate(hostErr, "periph host init")
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, errors.NotFoundf("gpio pin=%s", pinName)
	}
	return &DHT22{
		pin:    pin,
		log:    log,
		lastAt: atomic_clock.New(0),
	}, nil
}

func (s *DHT22) Sample() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since := atomic_clock.Since(s.lastAt); since < MinSamplePeriod {
		time.Sleep(MinSamplePeriod - since)
	}
	s.lastAt.SetNow()

	frame, err := s.readFrame()
	if err != nil {
		return Reading{}, err
	}
	r, err := decode(frame)
	if err != nil {
		return Reading{}, errors.Annotatef(err, "frame=%x", frame)
	}
	s.log.Debugf("dht frame=%x %s", frame, r.String())
	return r, nil
}

// readFrame runs one activation: host start signal, sensor response
// preamble, then 40 pulse-width-encoded bits. Timing is microsecond
// scale, the only option is to spin on the pin between edges.
func (s *DHT22) readFrame() ([5]byte, error) {
	var frame [5]byte

	// start signal: hold the bus low >1ms, then release
	if err := s.pin.Out(gpio.Low); err != nil {
		return frame, errors.Annotate(err, "dht start signal")
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return frame, errors.Annotate(err, "dht release bus")
	}

	// response preamble: ~80us low, ~80us high, then first bit's low
	if !s.waitLevel(gpio.Low, 200*time.Microsecond) {
		return frame, errors.Trace(ErrNoResponse)
	}
	if !s.waitLevel(gpio.High, 200*time.Microsecond) {
		return frame, errors.Trace(ErrNoResponse)
	}
	if !s.waitLevel(gpio.Low, 200*time.Microsecond) {
		return frame, errors.Trace(ErrNoResponse)
	}

	// each bit: ~50us low, then high 26-28us = 0, ~70us = 1
	for i := 0; i < 40; i++ {
		if !s.waitLevel(gpio.High, 150*time.Microsecond) {
			return frame, errors.Annotatef(ErrTimeout, "bit=%d low phase", i)
		}
		hiStart := time.Now()
		if !s.waitLevel(gpio.Low, 150*time.Microsecond) {
			return frame, errors.Annotatef(ErrTimeout, "bit=%d high phase", i)
		}
		frame[i/8] <<= 1
		if time.Since(hiStart) > 45*time.Microsecond {
			frame[i/8] |= 1
		}
	}
	return frame, nil
}

func (s *DHT22) waitLevel(want gpio.Level, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.pin.Read() != want {
		if time.Now().After(deadline) {
			return false
		}
	}
	return true
}
