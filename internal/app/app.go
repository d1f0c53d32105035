// Package app assembles the attendance service from configuration. Both
// binaries share it so they agree on backends.
package app

import (
	"context"
	"fmt"
	"log"

	"beaconattend/internal/attendance"
	"beaconattend/internal/config"
	"beaconattend/internal/queue"
	"beaconattend/internal/roster"
	"beaconattend/internal/store"
)

// App is a wired service together with the resources backing it.
type App struct {
	Service *attendance.Service
	Queue   queue.Queue
	Roster  *roster.File

	// Health lists named dependency probes for /healthz.
	Health map[string]func(ctx context.Context) bool

	closers []func() error
}

// New opens the configured backends and builds the service.
func New(cfg config.App) (*App, error) {
	a := &App{Health: map[string]func(ctx context.Context) bool{}}

	var redisClient *store.Redis
	if cfg.LockBackend == "redis" || cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, redisClient.Close)
		a.Health["redis"] = redisClient.Healthy
	}

	sessions, records, err := a.openStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker attendance.Locker
	if cfg.LockBackend == "redis" {
		locker = store.NewRedisLocker(redisClient.Client, cfg.LockTTL)
	} else {
		locker = store.NewMemoryLocker()
	}

	if cfg.QueueBackend == "redis" {
		a.Queue = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	} else {
		a.Queue = queue.NewInMemory(64)
	}

	file, err := roster.Open(cfg.RosterPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("roster: %w", err)
	}
	a.Roster = file
	cached := roster.NewCached(file, cfg.RosterCacheTTL)
	file.OnReload(cached.Flush)

	a.Service = attendance.NewService(attendance.Deps{
		Sessions:  sessions,
		Records:   records,
		Locker:    locker,
		Roster:    cached,
		Directory: cached,
		Notifier:  queue.NewNotifier(a.Queue),
	}, Options(cfg))
	return a, nil
}

func (a *App) openStore(cfg config.App) (attendance.SessionStore, attendance.RecordStore, error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			if db != nil {
				_ = db.Close()
			}
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Health["db"] = db.Healthy
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout*5)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		pg := store.NewPostgres(db.Client, cfg.StoreTimeout)
		return pg, pg, nil
	case "sqlite":
		lite, err := store.OpenSQLite(cfg.SQLitePath, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, lite.Close)
		return lite, lite, nil
	default:
		log.Println("using in-memory store; data is lost on restart")
		mem := store.NewMemory()
		return mem, mem, nil
	}
}

// Options maps configuration onto service options.
func Options(cfg config.App) attendance.Options {
	return attendance.Options{
		DefaultWindow:    cfg.DefaultWindow,
		MaxWindow:        cfg.MaxWindow,
		LateGrace:        cfg.LateGrace,
		MinSignalDBM:     cfg.MinSignalDBM,
		TxPowerDBM:       cfg.TxPowerDBM,
		PathLossExponent: cfg.PathLossExponent,
		Retries:          cfg.StoreRetries,
		RetryBackoff:     cfg.RetryBackoff,
	}
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
	a.closers = nil
}
