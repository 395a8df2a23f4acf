// Package state owns process wide objects shared by subcommands.
package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/internal/config"
	"github.com/temoto/raven-relay/internal/metrics"
	"github.com/temoto/raven-relay/internal/reading"
	"github.com/temoto/raven-relay/internal/status"
	"github.com/temoto/raven-relay/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Latest       *reading.Latest
	Log          *log2.Log
	Metrics      *metrics.Metrics
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Latest:       &reading.Latest{},
		Log:          log,
		Metrics:      metrics.New(),
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

// Init expects validated config.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.NotValidf("config=nil")
	}
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if level, ok := log2.ParseLevel(cfg.LogLevel); ok {
		g.Log.SetLevel(level)
	}
	g.Log.SetErrorFunc(g.Metrics.LogError)
	g.Metrics.RegisterDemand(g.Latest)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			g.Log.Infof("signal=%v stopping", sig)
			g.Stop()
		case <-g.Alive.StopChan():
		}
		signal.Stop(sigs)
	}()
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

// Context is canceled when Alive stops.
func (g *Global) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return helpers.AliveContext(parent, g.Alive)
}

// Go runs f as alive task, error from f other than stop request stops everything.
func (g *Global) Go(ctx context.Context, name string, f func(context.Context) error) bool {
	return helpers.Go(g.Alive, func() {
		err := f(ctx)
		if err != nil && ctx.Err() == nil {
			g.Error(err, "%s stopped", name)
			g.Stop()
			return
		}
		g.Log.Debugf("%s stopped", name)
	})
}

// StartStatus serves health and metrics when status.listen is configured.
func (g *Global) StartStatus(ctx context.Context, src status.Sources) {
	listen := g.Config.Status.Listen
	if listen == "" {
		return
	}
	src.Metrics = g.Metrics.Handler()
	if src.Latest == nil {
		src.Latest = g.Latest
	}
	srv := status.NewServer(listen, status.NewRouter(src), g.Log)
	g.Go(ctx, "status", srv.Run)
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

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
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
