// stationd is a field telemetry node: keeps the network link and the
// broker session alive, samples a DHT22 and publishes two scalar
// channels while connectivity allows.
package main

import (
	"context"
	"flag"

	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/sensorstation/stationd/hardware/dht"
	"github.com/sensorstation/stationd/helpers"
	"github.com/sensorstation/stationd/internal/link"
	"github.com/sensorstation/stationd/internal/link/probe"
	"github.com/sensorstation/stationd/internal/session"
	"github.com/sensorstation/stationd/internal/state"
	"github.com/sensorstation/stationd/internal/telemetry"
	"github.com/sensorstation/stationd/log2"
)

// set by ldflags
var BuildVersion string = "unknown"

func main() {
	flagConfig := flag.String("config", "stationd.hcl", "")
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if sdnotify(log, "STATUS=init") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	cfg := state.MustReadConfig(log, new(state.OsFullReader), *flagConfig)
	g.MustInit(ctx, cfg)
	if !cfg.Broker.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	if err := run(ctx, g); err != nil {
		g.Fatal(err)
	}
	log.Infof("stationd stopped")
}

func run(ctx context.Context, g *state.Global) error {
	cfg := g.Config
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()

	prober := probe.New(probe.Options{
		Iface:    cfg.Network.Iface,
		Interval: helpers.IntSecondDefault(cfg.Network.ProbeSec, probe.DefaultInterval),
		Log:      g.Log,
	})
	defer prober.Close()
	linkMgr := link.NewManager(g.Log, g.Flags, prober)

	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = cfg.Broker.Username
	}
	keepalive := cfg.Broker.KeepaliveSec
	if keepalive == 0 {
		keepalive = 60
	}
	client, err := session.NewClient(session.ClientOptions{
		BrokerURL:      cfg.Broker.URL,
		NetworkTimeout: helpers.IntSecondDefault(cfg.Broker.NetworkTimeoutSec, session.DefaultNetworkTimeout),
		KeepaliveSec:   uint16(keepalive),
		ClientID:       clientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		Will: &packet.Message{
			Topic:   clientID + "/c",
			Payload: []byte{0x00},
			QOS:     packet.QOSAtLeastOnce,
			Retain:  true,
		},
		Log: g.Log,
	})
	if err != nil {
		return errors.Annotate(err, "session client")
	}
	defer func() { _ = client.Close() }()
	sessMgr := session.NewManager(session.ManagerOptions{
		Client:         client,
		Flags:          g.Flags,
		Log:            g.Log,
		Grace:          helpers.IntSecondDefault(cfg.Broker.ReconnectGraceSec, session.DefaultReconnectGrace),
		HandshakeTopic: clientID + "/c",
		SubscribeTopic: clientID + "/r/c",
		Fatal:          func(e error) { g.Fatal(e) },
	})

	sensor, err := dht.NewDHT22(cfg.Sensor.Pin, g.Log)
	if err != nil {
		return errors.Annotate(err, "sensor init")
	}
	loop := telemetry.NewLoop(telemetry.LoopOptions{
		Flags:            g.Flags,
		Log:              g.Log,
		Publisher:        sessMgr,
		Sensor:           sensor,
		Interval:         helpers.IntSecondDefault(cfg.Sensor.PollSec, telemetry.DefaultInterval),
		TopicHumidity:    cfg.Telemetry.TopicHumidity,
		TopicTemperature: cfg.Telemetry.TopicTemperature,
	})

	g.Alive.Add(3)
	go func() { defer g.Alive.Done(); linkMgr.Run(runCtx) }()
	go func() { defer g.Alive.Done(); sessMgr.Run(runCtx) }()
	go func() { defer g.Alive.Done(); loop.Run(runCtx) }()

	sdnotify(g.Log, daemon.SdNotifyReady)
	g.Log.Infof("stationd init complete version=%s", g.BuildVersion)
	g.Alive.Wait()
	return nil
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify err=%v", err)
	}
	return ok
}
