// Command mdgate launches the market data fan-out gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/melq/mdgate/internal/adapter"
	"github.com/melq/mdgate/internal/adapter/feedws"
	"github.com/melq/mdgate/internal/adapter/quotepoll"
	"github.com/melq/mdgate/internal/adapter/sim"
	"github.com/melq/mdgate/internal/config"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/distributor"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/recorder"
	"github.com/melq/mdgate/internal/server"
	"github.com/melq/mdgate/internal/telemetry"
)

const defaultConfigPath = "config/mdgate.yaml"

// runnable is the lifecycle every concrete adapter implements on top of the
// connector contract.
type runnable interface {
	connector.Adapter
	Start(ctx context.Context)
	Stop()
}

func main() {
	if err := run(); err != nil {
		log.New(os.Stderr, "mdgate ", log.LstdFlags).Fatalf("fatal: %v", err)
	}
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath, "path to the gateway configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, fromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewTextLogger(os.Stderr, cfg.Debug)
	observability.SetLogger(logger)
	if !fromFile {
		logger.Info("configuration file not found, using defaults", observability.F("path", *cfgPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", cfg.Environment),
		observability.F("adapters", len(cfg.Adapters)))

	tel, err := telemetry.Setup(ctx, "mdgate")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown", observability.F("err", err))
		}
	}()
	metrics := telemetry.NewMetrics()

	conn := connector.New(logger)
	dist := distributor.New(distributor.Config{
		MailboxSize:   cfg.Distributor.MailboxSize,
		DisableDeltas: !cfg.Incremental.Enabled,
	}, conn, metrics, logger)
	defer dist.Close()
	conn.Bind(dist)

	adapters := make([]runnable, 0, len(cfg.Adapters))
	for _, ac := range cfg.Adapters {
		a, err := buildAdapter(ac, conn.OnSnapshot, metrics, logger)
		if err != nil {
			return err
		}
		conn.RegisterAdapter(a)
		a.Start(ctx)
		adapters = append(adapters, a)
	}
	defer func() {
		for _, a := range adapters {
			a.Stop()
		}
	}()

	if cfg.Recorder.Enabled {
		if err := recorder.Migrate(cfg.Recorder.DSN, logger); err != nil {
			return fmt.Errorf("recorder migrations: %w", err)
		}
		rec, err := recorder.New(ctx, recorder.Config{
			DSN:        cfg.Recorder.DSN,
			BufferSize: cfg.Recorder.BufferSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("recorder connect: %w", err)
		}
		go rec.Run(ctx)
		defer rec.Close()
		sid, err := dist.Attach(ctx, rec)
		if err != nil {
			return fmt.Errorf("recorder attach: %w", err)
		}
		if len(cfg.DefaultInstruments) > 0 {
			if err := dist.Subscribe(ctx, sid, cfg.DefaultInstruments); err != nil {
				return fmt.Errorf("recorder subscribe: %w", err)
			}
		}
		logger.Info("recorder attached", observability.F("instruments", len(cfg.DefaultInstruments)))
	}

	srv := server.New(cfg, dist, conn, metrics, logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func buildAdapter(ac config.AdapterConfig, emit adapter.Emit, metrics *telemetry.Metrics, logger observability.Logger) (runnable, error) {
	switch ac.Kind {
	case config.AdapterFeedWS:
		return feedws.New(feedws.Config{
			Source:   ac.Source,
			URL:      ac.Address,
			Prefixes: ac.Prefixes,
			Username: ac.Credentials.Username,
			Password: ac.Credentials.Password,
		}, emit, metrics, logger), nil
	case config.AdapterQuotePoll:
		return quotepoll.New(quotepoll.Config{
			Source:        ac.Source,
			Address:       ac.Address,
			Prefixes:      ac.Prefixes,
			PollInterval:  ac.PollInterval(),
			RatePerSecond: ac.RatePerSecond,
		}, emit, metrics, logger), nil
	case config.AdapterSim:
		return sim.New(sim.Config{
			Source:   ac.Source,
			Prefixes: ac.Prefixes,
		}, emit), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", ac.Kind)
	}
}
