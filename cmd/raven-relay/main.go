package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"github.com/temoto/raven-relay/cmd/raven-relay/pvoutput"
	"github.com/temoto/raven-relay/cmd/raven-relay/relay"
	"github.com/temoto/raven-relay/cmd/raven-relay/subcmd"
	"github.com/temoto/raven-relay/hardware/raven"
	"github.com/temoto/raven-relay/internal/config"
	"github.com/temoto/raven-relay/internal/state"
	"github.com/temoto/raven-relay/internal/tele"
	"github.com/temoto/raven-relay/log2"
)

const (
	exitConfig      = 2
	exitDevice      = 3
	shutdownTimeout = 5 * time.Second
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	relay.Mod,
	pvoutput.Mod,
	{Name: "version", Usage: "print build version", Main: versionMain},
}

func main() {
	log := log2.NewStderr(log2.LDebug)
	log.SetFlags(log2.LInteractiveFlags)

	cmdline := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagConfig := cmdline.String("config", "raven-relay.hcl", "HCL config file")
	flagDevice := cmdline.String("device", "", "serial device path, overrides config and RAVEN_DEVICE")
	flagDebug := cmdline.Bool("debug", false, "debug log level")
	cmdline.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [command]\ncommands (default relay):\n%s\nflags:\n%s",
			os.Args[0], subcmd.Usage(modules), cmdline.FlagUsages())
	}
	if err := cmdline.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(exitConfig)
	}

	command := cmdline.Arg(0)
	if command == "" {
		command = relay.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Error(err)
		cmdline.Usage()
		os.Exit(exitConfig)
	}
	if mod.Name == "version" {
		_ = mod.Main(context.Background(), nil)
		return
	}

	if subcmd.SdNotify("start") || !isatty.IsTerminal(os.Stderr.Fd()) {
		// under systemd or redirected, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	}
	if !*flagDebug {
		log.SetLevel(log2.LInfo)
	}

	cfg, err := readConfig(log, *flagConfig)
	if err != nil {
		log.Error(errors.ErrorStack(err))
		os.Exit(exitConfig)
	}
	if *flagDevice != "" {
		cfg.Device.Path = *flagDevice
	}
	if *flagDebug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(log); err != nil {
		log.Errorf("config: %v", err)
		os.Exit(exitConfig)
	}
	log.Debugf("config: %s", cfg.String())
	tele.SetPahoLogger(log, cfg.Mqtt.LogDebug)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	err = mod.Main(ctx, cfg)
	g.StopWait(shutdownTimeout)
	if err != nil {
		log.Error(errors.ErrorStack(err))
		if raven.IsOpenError(err) {
			os.Exit(exitDevice)
		}
		os.Exit(1)
	}
}

func readConfig(log *log2.Log, name string) (*config.Config, error) {
	var names []string
	if _, err := os.Stat(name); err == nil {
		names = append(names, name)
	} else if name != "raven-relay.hcl" {
		return nil, errors.Annotatef(err, "config file")
	}
	cfg, err := config.Read(log, config.NewOsFullReader(), names...)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func versionMain(ctx context.Context, _ *config.Config) error {
	fmt.Printf("raven-relay %s\n", BuildVersion)
	return nil
}
