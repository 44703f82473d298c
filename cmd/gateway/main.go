package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smstool/gateway/internal/config"
	"github.com/smstool/gateway/internal/gateway"
	"github.com/smstool/gateway/internal/logger"
	"github.com/smstool/gateway/internal/store"
	"github.com/smstool/gateway/internal/transport"
)

func main() {
	resume := flag.Bool("resume", false, "start only if the gateway was running before the last shutdown")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "gateway").Logger()

	st, err := store.Open(cfg.Gateway.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	if *resume {
		running, err := st.DesiredRunning(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read desired-running flag")
		}
		if !running {
			log.Info().Msg("gateway was not running before shutdown, nothing to resume")
			return
		}
		log.Info().Msg("resuming gateway")
	}

	tr := transport.NewMock(log,
		transport.WithScenario(transport.Scenario(strings.ToLower(cfg.Transport.MockScenario))),
		transport.WithLatency(time.Duration(cfg.Transport.MockLatencyMs)*time.Millisecond),
		transport.WithConcurrency(cfg.Transport.SendConcurrency),
	)

	svc, err := gateway.New(cfg, st, tr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise gateway")
	}

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}
	log.Info().Str("device_id", svc.DeviceID()).Msg("gateway running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	svc.Stop()
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}
