package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mailcore/config"
	"mailcore/internal/bootstrap"
	"mailcore/pkg/logger"
)

// Exit codes, per the framing contract: 0 normal shutdown, 1 unrecoverable
// framing error, 2 configuration rejected at startup, 3 secret-store
// inaccessible when signing is required.
const (
	exitOK                 = 0
	exitFramingError       = 1
	exitConfigRejected     = 2
	exitSigningUnavailable = 3

	batchShutdownGrace = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the JSON configuration file (defaults to a conservative built-in config)")
	secretsPath := flag.String("secrets", "secrets.db", "path to the encrypted secret store")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error, disabled")
	flag.Parse()

	logger.Init(logger.Config{Level: *logLevel, Service: "mailcore"})
	log := logger.Get()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("configuration rejected at startup")
		return exitConfigRejected
	}

	masterKey := []byte(os.Getenv("MAILCORE_SECRET_MASTER_KEY"))
	app, err := bootstrap.New(bootstrap.Options{
		Config:          cfg,
		SecretStorePath: *secretsPath,
		SecretMasterKey: masterKey,
		Logger:          *log,
	})
	if err != nil {
		if errors.Is(err, bootstrap.ErrSigningKeyUnavailable) {
			log.Error().Err(err).Msg("signing key unavailable at startup")
			return exitSigningUnavailable
		}
		log.Error().Err(err).Msg("configuration rejected at startup")
		return exitConfigRejected
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer app.Batches.Stop(batchShutdownGrace)

	if err := app.Dispatch.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("unrecoverable framing error")
		return exitFramingError
	}

	log.Info().Msg("shutdown complete")
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return config.Load(data)
}
