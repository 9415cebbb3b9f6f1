// Package telemetry drives the sampling/publish cycle, gated on the
// session-up connectivity flag.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/sensorstation/stationd/hardware/dht"
	"github.com/sensorstation/stationd/helpers/atomic_clock"
	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/sensorstation/stationd/internal/state"
	"github.com/sensorstation/stationd/log2"
)

const DefaultInterval = 60 * time.Second

// DHT22 datasheet minimum between activations. The default interval
// satisfies it trivially; this floor protects a shortened config.
const DefaultMinSpacing = 2 * time.Second

// Publisher is the borrowed slice of the session capability.
// *session.Manager satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos packet.QOS, retain bool) (packet.ID, error)
}

type LoopOptions struct {
	Flags            *msync.FlagGroup
	Log              *log2.Log
	Publisher        Publisher
	Sensor           dht.Sensor
	Interval         time.Duration
	MinSpacing       time.Duration
	TopicHumidity    string
	TopicTemperature string
}

type Loop struct {
	opt        LoopOptions
	lastSample *atomic_clock.Clock
}

func NewLoop(opt LoopOptions) *Loop {
	if opt.Publisher == nil || opt.Sensor == nil || opt.Flags == nil {
		panic("code error telemetry.NewLoop nil dependency")
	}
	if opt.Interval == 0 {
		opt.Interval = DefaultInterval
	}
	if opt.MinSpacing == 0 {
		opt.MinSpacing = DefaultMinSpacing
	}
	return &Loop{
		opt:        opt,
		lastSample: atomic_clock.New(0),
	}
}

// Run blocks for the process lifetime: wait for session, sample,
// publish both channels, sleep the fixed interval, repeat. A session
// drop mid-cycle may lose the in-flight publish; the next cycle's gate
// re-synchronizes.
func (l *Loop) Run(ctx context.Context) {
	for {
		if err := l.opt.Flags.WaitAll(ctx, state.FlagSessionUp); err != nil {
			return
		}
		l.cycle(ctx)

		select {
		case <-time.After(l.opt.Interval):
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	if since := atomic_clock.Since(l.lastSample); since < l.opt.MinSpacing {
		select {
		case <-time.After(l.opt.MinSpacing - since):
		case <-ctx.Done():
			return
		}
	}
	l.lastSample.SetNow()

	reading, err := l.opt.Sensor.Sample()
	if err != nil {
		// reading is dropped, not retried within the cycle
		l.opt.Log.Error(errors.Annotate(err, "sensor sample"))
		return
	}

	hum := fmt.Sprintf("%.1f", reading.Humidity)
	temp := fmt.Sprintf("%.1f", reading.Temperature)
	l.opt.Log.Infof("sample hum=%s temp=%s", hum, temp)

	// two independent fire-and-forget publishes, humidity first
	l.publish(l.opt.TopicHumidity, hum)
	l.publish(l.opt.TopicTemperature, temp)
}

func (l *Loop) publish(topic, payload string) {
	id, err := l.opt.Publisher.Publish(topic, []byte(payload), packet.QOSAtLeastOnce, false)
	if err != nil {
		// tolerated: session may have dropped mid-cycle
		l.opt.Log.Error(errors.Annotatef(err, "publish topic=%s", topic))
		return
	}
	l.opt.Log.Debugf("publish topic=%s payload=%s id=%d", topic, payload, id)
}
