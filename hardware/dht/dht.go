// Package dht reads an AM2302/DHT22 humidity+temperature sensor over
// its single-wire protocol on a GPIO pin.
package dht

import (
	"fmt"
	"sync"
)

// Reading is ephemeral: produced once per cycle, formatted and
// published immediately, never retained.
type Reading struct {
	// relative humidity, percent
	Humidity float32
	// degrees Celsius
	Temperature float32
}

func (r Reading) String() string {
	return fmt.Sprintf("hum=%.1f temp=%.1f", r.Humidity, r.Temperature)
}

// Sensor is the sampling capability boundary. One Sample is one
// complete sensor activation including the wire protocol.
type Sensor interface {
	Sample() (Reading, error)
}

// Sensor failure taxonomy. Callers drop the reading and log, nothing else.
var (
	ErrNoResponse = fmt.Errorf("dht: sensor did not answer start signal")
	ErrTimeout    = fmt.Errorf("dht: bit read timeout")
	ErrChecksum   = fmt.Errorf("dht: frame checksum mismatch")
)

// Mock is a scriptable Sensor for tests.
type Mock struct {
	mu    sync.Mutex
	R     Reading
	Err   error
	calls int
}

func (m *Mock) Set(r Reading, err error) {
	m.mu.Lock()
	m.R, m.Err = r, err
	m.mu.Unlock()
}

func (m *Mock) Sample() (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.R, m.Err
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
