// dzrelay relays the chat of a host to WebSocket subscribers and lets them
// post back into rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/dzplugin"
	"github.com/HMasataka/dzplugin/internal/config"
	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
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
		addr       string
		pattern    string
	)

	flagSet := pflag.NewFlagSet("dzrelay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file")
	flagSet.StringVar(&addr, "addr", "", "HTTP listen address (overrides relay.addr)")
	flagSet.StringVar(&pattern, "pattern", "", "only relay messages matching this regular expression")

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
	if addr != "" {
		cfg.Relay.Addr = addr
	}
	if pattern != "" {
		cfg.Relay.Pattern = pattern
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(1024)
	bus.Start(ctx)
	defer bus.Stop()

	bus.Subscribe(eventbus.EventRelayClientConnected, func(e *eventbus.Event) {
		logger.Debug("subscriber connected", "data", e.Data)
	})
	bus.Subscribe(eventbus.EventSessionError, func(e *eventbus.Event) {
		logger.Warn("session error", "error", e.Data, "metadata", e.Metadata)
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

	connOptions := relay.DefaultConnOptions()
	if cfg.Relay.ReadTimeout > 0 {
		connOptions.ReadTimeout = cfg.Relay.ReadTimeout
	}
	if cfg.Relay.WriteTimeout > 0 {
		connOptions.WriteTimeout = cfg.Relay.WriteTimeout
	}

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithConnOptions(connOptions),
		relay.WithEventBus(bus),
		relay.WithPostTimeout(cfg.Relay.PostTimeout),
	}
	if cfg.Relay.Pattern != "" {
		opts = append(opts, relay.WithPattern(cfg.Relay.Pattern))
	}

	r := relay.New(client, opts...)
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Mount("/", r.Routes())

	server := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Relay.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Relay.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-r.Session().Done():
		logger.Error("listener session ended", "error", r.Session().Err())
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return r.Session().Err()
}
