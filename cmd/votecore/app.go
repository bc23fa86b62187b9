package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"voting-core/anonymizer"
	"voting-core/audit"
	"voting-core/ballot"
	"voting-core/config"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/metrics"
	"voting-core/registry"
	"voting-core/storage"
	"voting-core/tally"
	"voting-core/token"
)

// app wires the full service graph for one process.
type app struct {
	cfg          *config.Config
	store        *storage.Store
	directory    *registry.MemoryDirectory
	audit        *audit.Service
	tokens       *token.Service
	ballots      *ballot.Service
	tally        *tally.Engine
	promRegistry *prometheus.Registry
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.New(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	cryptoService := crypto.NewService()
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	signer, err := audit.LoadOrGenerateSignerKey(cfg.DataDir, cryptoService)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to set up audit signer: %w", err)
	}
	auditLog := audit.NewService(store, cryptoService, signer, m, logger)

	keys := keyring.New(cryptoService, logger)
	directory := registry.NewMemoryDirectory()
	anon := anonymizer.New()

	tokens := token.NewService(store, cryptoService, keys, directory, anon, auditLog, m, logger)
	ballots := ballot.NewService(store, cryptoService, keys, directory, tokens, auditLog, m, logger)
	tallyEngine := tally.NewEngine(store, cryptoService, keys, directory, auditLog, m, logger)

	return &app{
		cfg:          cfg,
		store:        store,
		directory:    directory,
		audit:        auditLog,
		tokens:       tokens,
		ballots:      ballots,
		tally:        tallyEngine,
		promRegistry: promRegistry,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
