package main

import (
	"net/http"
	"sync/atomic"

	"skyraid/arena/internal/config"
	"skyraid/arena/internal/game"
	"skyraid/arena/internal/logging"
	"skyraid/arena/internal/replay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("failed to initialise logging", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	engine := game.NewEngine(game.Config{
		BalloonCount:        cfg.BalloonCount,
		BulletLifespan:      cfg.BulletLifespan,
		BalloonRespawnDelay: cfg.BalloonRespawnDelay,
	}, logger)

	var opts []BrokerOption
	if cfg.ReplayDir != "" {
		recorder, manifest, err := replay.NewRecorder(cfg.ReplayDir, nil)
		if err != nil {
			logger.Fatal("failed to open replay recording", logging.Error(err))
		}
		logger.Info("replay recording enabled",
			logging.String("dir", recorder.Directory()),
			logging.String("events", manifest.EventsPath))
		opts = append(opts, WithRecorder(recorder))
	}

	broker := NewBroker(cfg, engine, logger, opts...)
	defer broker.Close()

	var ready atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.serveWS)
	mux.HandleFunc("/api/stats", statsHandler(broker))
	mux.HandleFunc("/healthz", healthzHandler())
	mux.HandleFunc("/readyz", readyzHandler(ready.Load))
	ready.Store(true)

	logger.Info("arena server listening",
		logging.String("addr", cfg.Address),
		logging.Bool("tls", cfg.TLSCertPath != ""))

	if cfg.TLSCertPath != "" {
		err = http.ListenAndServeTLS(cfg.Address, cfg.TLSCertPath, cfg.TLSKeyPath, mux)
	} else {
		err = http.ListenAndServe(cfg.Address, mux)
	}
	logger.Fatal("server stopped", logging.Error(err))
}
