// dzgreet is an example plugin. It registers a "greet" command that
// answers "Hello <args>!" in the invoking room and can log every chat
// event it sees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/dzplugin"
	"github.com/HMasataka/dzplugin/internal/config"
	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logEvents  bool
	)

	flagSet := pflag.NewFlagSet("dzgreet", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file")
	flagSet.BoolVar(&logEvents, "log-events", false, "also register a listener that logs every chat event")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(config.LoadOptions{Path: configPath})
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(ctx)
	defer bus.Stop()

	bus.Subscribe(eventbus.EventSessionClosed, func(e *eventbus.Event) {
		logger.Info("session closed", "session_id", e.Data, "metadata", e.Metadata)
	})

	client, err := dzplugin.Connect(ctx, cfg.Host.Address, cfg.Host.Token,
		dzplugin.WithLogger(logger),
		dzplugin.WithDialTimeout(cfg.Host.DialTimeout),
		dzplugin.WithEventBus(bus),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	greet, err := client.RegisterCommand(ctx, dzplugin.CommandDef{
		Name:        "greet",
		Description: "Greets someone",
		ArgsUsage:   "<name>",
	}, dzplugin.CommandFunc(func(_ context.Context, inv dzplugin.Invocation) (string, error) {
		return "Hello " + inv.Args + "!", nil
	}))
	if err != nil {
		return err
	}

	if logEvents {
		_, err := client.RegisterListener(ctx, dzplugin.ListenerSpec{}, dzplugin.ListenerFunc(func(_ context.Context, e dzplugin.Event) (*string, error) {
			logger.Info("chat", "room", e.Room, "from", e.From, "text", e.Text)
			return nil, nil
		}))
		if err != nil {
			return err
		}
	}

	logger.Info("dzgreet running", "host", cfg.Host.Address)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case <-greet.Done():
		return greet.Err()
	}
}
