// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/ingest"
	"github.com/bureau-foundation/roomserver/lib/appservice"
	"github.com/bureau-foundation/roomserver/lib/atomicfile"
	"github.com/bureau-foundation/roomserver/lib/backoff"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/statecompressor"
	"github.com/bureau-foundation/roomserver/lib/store/sqlitestore"
	"github.com/bureau-foundation/roomserver/roomstate"
	"github.com/bureau-foundation/roomserver/timeline"
)

// MaintenanceInterval is how often Run prunes the backoff table.
const MaintenanceInterval = 10 * time.Minute

// Options carries what a process supplies beyond the config file.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// Federation replaces the client built from the config.
	Federation federation.Client
}

// Services is the process-wide context: every long-lived component of
// the room server, created once by New and released by Close.
type Services struct {
	Config     *config.Config
	ServerName ref.ServerName
	KeyPair    signing.KeyPair

	Store      *sqlitestore.Store
	Compressor *statecompressor.Compressor
	State      *roomstate.Service

	StateLocks      *roomlock.Registry
	FederationLocks *roomlock.Registry
	Fence           *roomlock.Fence

	Federation federation.Client
	KeyRing    *signing.KeyRing
	Backoff    *backoff.Table

	Appservices     *appservice.Registry
	AppserviceQueue *appservice.Queue

	Timeline *timeline.Timeline
	Pipeline *ingest.Pipeline

	clock  clock.Clock
	logger *slog.Logger
	closed bool
}

// New validates cfg and builds the services. The caller must Close the
// result.
func New(cfg *config.Config, options Options) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	logger := options.Logger

	serverName, err := ref.ParseServerName(cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("server_name: %w", err)
	}
	trustedServers := make([]ref.ServerName, 0, len(cfg.Federation.TrustedServers))
	for _, raw := range cfg.Federation.TrustedServers {
		trusted, err := ref.ParseServerName(raw)
		if err != nil {
			return nil, fmt.Errorf("federation.trusted_servers: %w", err)
		}
		trustedServers = append(trustedServers, trusted)
	}

	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	keyPair, err := loadOrCreateSigningKey(cfg.SigningKeyPath, options.Clock, logger)
	if err != nil {
		return nil, err
	}

	appservices, err := appservice.LoadRegistry(serverName, cfg.Appservice.RegistrationFiles)
	if err != nil {
		return nil, fmt.Errorf("loading application services: %w", err)
	}

	database, err := sqlitestore.Open(sqlitestore.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return nil, err
	}

	services := &Services{
		Config:          cfg,
		ServerName:      serverName,
		KeyPair:         keyPair,
		Store:           database,
		StateLocks:      roomlock.NewRegistry("state"),
		FederationLocks: roomlock.NewRegistry("federation"),
		Fence:           roomlock.NewFence(),
		Appservices:     appservices,
		clock:           options.Clock,
		logger:          logger,
	}
	if err := services.wire(options, trustedServers); err != nil {
		database.Close()
		return nil, err
	}

	logger.Info("room server ready",
		"server_name", serverName,
		"key_id", keyPair.KeyID,
		"database", cfg.Database.Path,
		"federation", cfg.Federation.Enabled,
		"appservices", len(appservices.Registrations()),
	)
	return services, nil
}

// wire builds the components on top of the store.
func (s *Services) wire(options Options, trustedServers []ref.ServerName) error {
	cfg := s.Config
	logger := s.logger

	s.Compressor = statecompressor.New(s.Store, logger.With("component", "statecompressor"))
	s.State = roomstate.New(roomstate.Config{
		Store:      s.Store,
		Compressor: s.Compressor,
		Logger:     logger.With("component", "roomstate"),
		Clock:      s.clock,
	})

	var keyFetcher signing.KeyFetcher
	switch {
	case options.Federation != nil:
		s.Federation = options.Federation
	case cfg.Federation.Enabled:
		client, err := federation.NewHTTPClient(federation.HTTPClientConfig{
			ServerName:        s.ServerName,
			KeyPair:           s.KeyPair,
			RequestTimeout:    cfg.Federation.RequestTimeout,
			RequestsPerSecond: cfg.Federation.RequestsPerSecond,
			Burst:             cfg.Federation.Burst,
			Logger:            logger.With("component", "federation"),
		})
		if err != nil {
			return err
		}
		s.Federation = client
		keyFetcher = client
	default:
		s.Federation = federation.Offline{}
	}

	s.KeyRing = signing.NewKeyRing(signing.KeyRingConfig{
		Fetcher: keyFetcher,
		Clock:   s.clock,
		Logger:  logger.With("component", "keyring"),
	})
	s.KeyRing.AddLocalKey(s.ServerName, s.KeyPair)

	s.Backoff = backoff.New(backoff.Config{
		Base:  cfg.Backoff.Base,
		Max:   cfg.Backoff.Max,
		Clock: s.clock,
	})
	s.AppserviceQueue = appservice.NewQueue(appservice.QueueConfig{
		Store:  s.Store,
		Clock:  s.clock,
		Logger: logger.With("component", "appservice"),
	})

	var err error
	s.Timeline, err = timeline.New(timeline.Config{
		ServerName:      s.ServerName,
		KeyPair:         s.KeyPair,
		Store:           s.Store,
		State:           s.State,
		StateLocks:      s.StateLocks,
		Fence:           s.Fence,
		Federation:      s.Federation,
		TrustedServers:  trustedServers,
		BackfillLimit:   cfg.Backfill.Limit,
		Appservices:     s.Appservices,
		AppserviceQueue: s.AppserviceQueue,
		Clock:           s.clock,
		Logger:          logger.With("component", "timeline"),
	})
	if err != nil {
		return err
	}
	s.Pipeline, err = ingest.New(ingest.Config{
		Store:           s.Store,
		State:           s.State,
		Timeline:        s.Timeline,
		StateLocks:      s.StateLocks,
		FederationLocks: s.FederationLocks,
		Federation:      s.Federation,
		KeyRing:         s.KeyRing,
		Backoff:         s.Backoff,
		Clock:           s.clock,
		Logger:          logger.With("component", "ingest"),
	})
	return err
}

// loadOrCreateSigningKey reads the server's signing key, generating
// and saving a new one when the file does not exist yet.
func loadOrCreateSigningKey(path string, now clock.Clock, logger *slog.Logger) (signing.KeyPair, error) {
	pair, err := signing.LoadKeyFile(path)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return signing.KeyPair{}, err
	}

	pair, err = signing.GenerateKeyPair("a_" + now.Now().UTC().Format("20060102"))
	if err != nil {
		return signing.KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return signing.KeyPair{}, fmt.Errorf("creating signing key directory: %w", err)
	}
	if err := atomicfile.Write(path, signing.FormatKeyFile(pair), 0o600); err != nil {
		return signing.KeyPair{}, fmt.Errorf("writing signing key: %w", err)
	}
	logger.Warn("generated a new signing key", "path", path, "key_id", pair.KeyID)
	return pair, nil
}

// Run performs periodic maintenance until ctx is cancelled.
func (s *Services) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(MaintenanceInterval):
		}
		if removed := s.Backoff.Prune(s.Config.Backoff.Max); removed > 0 {
			s.logger.Info("pruned backoff table", "removed", removed, "remaining", s.Backoff.Len())
		}
	}
}

// ReplayTransaction reads a federation transaction from r, ingests it
// as if origin had sent it, and returns the /send response body.
func (s *Services) ReplayTransaction(ctx context.Context, origin ref.ServerName, r io.Reader) (ingest.TransactionResult, error) {
	var transaction federation.Transaction
	if err := json.NewDecoder(r).Decode(&transaction); err != nil {
		return ingest.TransactionResult{}, fmt.Errorf("decoding transaction: %w", err)
	}
	if origin.IsZero() {
		parsed, err := ref.ParseServerName(transaction.Origin)
		if err != nil {
			return ingest.TransactionResult{}, fmt.Errorf("transaction origin: %w", err)
		}
		origin = parsed
	}
	return s.Pipeline.HandleTransaction(ctx, origin, transaction), nil
}

// Close releases the store and idle federation connections. It is
// safe to call more than once.
func (s *Services) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if client, ok := s.Federation.(*federation.HTTPClient); ok {
		client.CloseIdleConnections()
	}
	return s.Store.Close()
}
