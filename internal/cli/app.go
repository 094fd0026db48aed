package cli

import (
	"context"
	"fmt"

	"github.com/lazypower/feedcal/internal/config"
	"github.com/lazypower/feedcal/internal/engine"
	"github.com/lazypower/feedcal/internal/keylock"
	"github.com/lazypower/feedcal/internal/logger"
	"github.com/lazypower/feedcal/internal/store"
)

// app is everything a command needs to run the engines in-process.
type app struct {
	cfg   config.Config
	log   *logger.Logger
	db    *store.DB
	cal   *engine.Calibrator
	trust *engine.TrustPolicies

	closers []func() error
}

// openApp loads config and wires store, locker and engines.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	a.db, err = openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []engine.Option{engine.WithLocker(locker), engine.WithLogger(log)}
	a.cal = engine.NewCalibrator(a.db, engine.CalibrationParams{
		MinSamples: cfg.Calibration.MinSamples,
		MaxOffset:  cfg.Calibration.MaxOffset,
		WindowDays: cfg.Calibration.WindowDays,
	}, opts...)
	a.trust = engine.NewTrustPolicies(a.db, a.db, engine.TrustParams{
		HalfLife:          cfg.Trust.HalfLife,
		Delta:             cfg.Trust.FeedbackDelta,
		AutoExcludeMargin: cfg.Trust.AutoExcludeMargin,
	}, opts...)
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (keylock.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return keylock.NewLocal(), nil
	}
	r, err := keylock.DialRedis(ctx, a.cfg.Lock.RedisURL,
		keylock.WithTTL(a.cfg.Lock.TTL), keylock.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("init redis lock: %w", err)
	}
	a.closers = append(a.closers, r.Close)
	a.log.Info("using redis key lock", "ttl", a.cfg.Lock.TTL)
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "err", err)
		}
	}
	a.log.Sync()
}

// openDB opens the configured database, running migrations.
func openDB(cfg config.Config) (*store.DB, error) {
	target := cfg.Database.DSN
	if cfg.Database.Driver != store.DriverPostgres {
		target = cfg.Database.Path
		if target == "" {
			var err error
			target, err = store.DefaultDBPath()
			if err != nil {
				return nil, err
			}
		}
	}
	return store.OpenDriver(cfg.Database.Driver, target)
}
