package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/sensorstation/stationd/helpers"
	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/sensorstation/stationd/log2"
	"github.com/temoto/alive/v2"
)

// Connectivity flags. Each flag has exactly one writer:
// link manager owns FlagLinkUp, session manager owns FlagSessionUp.
const (
	FlagLinkUp msync.Flag = 1 << iota
	FlagSessionUp
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Flags        *msync.FlagGroup
	Log          *log2.Log

	initOnce sync.Once

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Flags: msync.NewFlagGroup(),
		Log:   log,
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	errs := make([]error, 0, 4)
	if cfg.Broker.URL == "" {
		errs = append(errs, errors.NotValidf("config: broker.url is empty"))
	}
	if cfg.Telemetry.TopicHumidity == "" {
		errs = append(errs, errors.NotValidf("config: telemetry.topic_humidity is empty"))
	}
	if cfg.Telemetry.TopicTemperature == "" {
		errs = append(errs, errors.NotValidf("config: telemetry.topic_temperature is empty"))
	}
	if cfg.Broker.ReconnectGraceSec < 0 {
		errs = append(errs, errors.NotValidf("config: broker.reconnect_grace_sec < 0"))
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}

	g.initOnce.Do(func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			g.Log.Infof("graceful stop on signal=%v", sig)
			g.Stop()
		}()
	})
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

// Fatal is the escalation path for unrecoverable conditions, the only
// remedy past this point is a full process restart.
func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

