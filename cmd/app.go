package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fieldworks/fieldsync/internal/blob"
	"github.com/fieldworks/fieldsync/internal/cache"
	"github.com/fieldworks/fieldsync/internal/config"
	"github.com/fieldworks/fieldsync/internal/connectivity"
	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/events"
	"github.com/fieldworks/fieldsync/internal/gateway"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/orchestrator"
	"github.com/fieldworks/fieldsync/internal/overlay"
	"github.com/fieldworks/fieldsync/internal/photo"
	"github.com/fieldworks/fieldsync/internal/queue"
	"github.com/fieldworks/fieldsync/internal/store"
)

// app bundles the wired engine components for a command invocation.
// Components are injected from here rather than reached through globals.
type app struct {
	cfg     *models.Config
	db      *db.DB
	queue   *queue.Queue
	overlay *overlay.Overlay
	cache   *cache.Cache
	blobs   *blob.Store
	gw      *gateway.Client
	photos  *photo.Pipeline
	orch    *orchestrator.Orchestrator
	bus     *events.Bus
}

// openApp wires the engine against an existing database.
func openApp() (*app, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyEnv(cfg)

	database, err := db.Open(baseDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: database}
	a.wire()
	return a, nil
}

// applyEnv lets environment overrides win over the on-disk config.
func applyEnv(cfg *models.Config) {
	if env.ServerURL != "" {
		cfg.ServerURL = env.ServerURL
	}
	if env.APIKey != "" {
		cfg.APIKey = env.APIKey
	}
	if env.Scope != "" {
		cfg.Scope = env.Scope
	}
}

func (a *app) wire() {
	a.queue = queue.New(a.db)
	if a.cfg.MaxAttempts > 0 {
		a.queue.MaxAttempts = a.cfg.MaxAttempts
	}
	a.overlay = overlay.New(a.db)

	tiered := store.NewTiered(
		store.NewSQLite(a.db),
		store.NewFile(filepath.Join(a.db.DataDir(), "snapshots-backup")),
	)
	a.cache = cache.New(tiered)

	a.blobs = blob.New(a.db)
	a.bus = events.NewBus()

	a.gw = gateway.New(a.cfg.ServerURL, a.cfg.APIKey, a.cfg.DeviceID)
	a.photos = photo.New(a.blobs, a.queue, a.gw, a.cfg.ActorID)

	a.orch = orchestrator.New(a.queue, a.overlay, a.cache, a.blobs, a.gw, a.bus)
	a.orch.Scope = a.cfg.Scope
}

func (a *app) Close() error {
	return a.db.Close()
}

// watcher builds the connectivity watcher against the configured server.
func (a *app) watcher() *connectivity.Watcher {
	probe := connectivity.NewHTTPProbe(a.gw.HealthURL())
	return connectivity.NewWatcher(probe, 15*time.Second)
}
