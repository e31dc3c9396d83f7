package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ckoval7/challengectl/pkg/api"
	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/blobstore"
	"github.com/ckoval7/challengectl/pkg/config"
	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/monitor"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/rs/zerolog"
)

// Controller owns the lifecycle of every controller-side component: the
// durable store, blob store, event broker, dispatcher, liveness monitor
// and the API server.
type Controller struct {
	cfg        *config.Controller
	store      storage.Store
	blobs      *blobstore.Store
	broker     *events.Broker
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	server     *api.Server
	logger     zerolog.Logger
}

// New wires a controller from its configuration and loads the configured
// challenge set.
func New(cfg *config.Controller) (*Controller, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	blobs, err := blobstore.New(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	dispatcher := dispatch.New(store, broker, dispatch.Config{
		AssignmentTTL: cfg.AssignmentTTL.Std(),
	})
	mon := monitor.New(store, broker, monitor.Config{
		HeartbeatTimeout:   cfg.HeartbeatTimeout.Std(),
		StaleSweepInterval: cfg.StaleSweepInterval.Std(),
		TokenSweepInterval: cfg.TokenSweepInterval.Std(),
	})
	resolver := auth.NewResolver(store)
	server := api.NewServer(api.Config{
		Listen:          cfg.Listen,
		TLSCert:         cfg.TLSCert,
		TLSKey:          cfg.TLSKey,
		PublicDashboard: cfg.PublicDashboard,
		SessionTimeout:  cfg.SessionTimeout.Std(),
	}, store, blobs, dispatcher, resolver, broker)

	c := &Controller{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		broker:     broker,
		dispatcher: dispatcher,
		monitor:    mon,
		server:     server,
		logger:     log.WithComponent("controller"),
	}

	defs, err := cfg.Definitions()
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(defs) > 0 {
		added, updated, err := dispatcher.Reload(defs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load challenges: %w", err)
		}
		c.logger.Info().Int("added", added).Int("updated", updated).Msg("Challenge set loaded")
	}
	return c, nil
}

// Run starts every component and blocks until ctx is cancelled or the
// listener fails.
func (c *Controller) Run(ctx context.Context) error {
	c.broker.Start()
	c.monitor.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- c.server.Start() }()

	select {
	case err := <-errCh:
		c.shutdown()
		return err
	case <-ctx.Done():
	}

	c.logger.Info().Msg("Shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.server.Stop(shCtx); err != nil {
		c.logger.Warn().Err(err).Msg("API shutdown did not complete cleanly")
	}
	c.shutdown()
	return nil
}

func (c *Controller) shutdown() {
	c.monitor.Stop()
	c.broker.Stop()
	if err := c.store.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close store")
	}
}

// Dispatcher exposes the dispatch core, mainly for tests and CLI
// subcommands.
func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Store exposes the durable store.
func (c *Controller) Store() storage.Store {
	return c.store
}
