package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jtarrant/robovac-bridge/internal/bridge"
	"github.com/jtarrant/robovac-bridge/internal/config"
	"github.com/jtarrant/robovac-bridge/internal/homekit"
	"github.com/jtarrant/robovac-bridge/internal/mqtt"
	"github.com/jtarrant/robovac-bridge/internal/robovac"
	"github.com/jtarrant/robovac-bridge/internal/server"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	newSession := func() (*robovac.Session, error) {
		return robovac.NewSession(robovac.SessionOptions{
			Identity: robovac.Identity{
				DeviceID: cfg.DeviceID,
				LocalKey: cfg.LocalKey,
				Host:     cfg.IP,
				Port:     cfg.Port,
			},
			Logger: log.With().Str("component", "session").Logger(),
		})
	}

	var sessionMu sync.Mutex
	session, err := newSession()
	if err != nil {
		log.Fatal().Err(err).Msg("build device session")
	}
	currentSession := func() *robovac.Session {
		sessionMu.Lock()
		defer sessionMu.Unlock()
		return session
	}
	rebuild := func() (bridge.Vacuum, error) {
		next, err := newSession()
		if err != nil {
			return nil, err
		}
		sessionMu.Lock()
		session = next
		sessionMu.Unlock()
		return next, nil
	}

	adapter := bridge.NewAdapter(session, rebuild, log.With().Str("component", "adapter").Logger())
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Error().Err(err).Msg("close adapter")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(robovac.NewMetricsCollector(currentSession, cfg.Name))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "robovac_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	httpServer := server.New(cfg.HTTPAddr, registry)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT != nil {
		publisher, err := mqtt.NewPublisher(cfg.MQTT, cfg.DeviceID, adapter, log.With().Str("component", "mqtt").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("connect mqtt broker")
		}
		go publisher.Run(ctx)
	}

	accessory, err := homekit.New(adapter, homekit.Options{
		Name:                cfg.Name,
		Serial:              cfg.DeviceID,
		UseSwitchService:    cfg.UseSwitchService,
		HideFindButton:      cfg.HideFindButton,
		HideErrorSensor:     cfg.HideErrorSensor,
		DisableBatteryLevel: cfg.DisableBatteryLevel,
		StateDir:            cfg.StateDir,
		Pin:                 cfg.Pin,
	}, log.With().Str("component", "homekit").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("build homekit accessory")
	}

	log.Info().Str("name", cfg.Name).Str("device_id", cfg.DeviceID).Msg("robovac bridge started")
	if err := accessory.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("homekit server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
