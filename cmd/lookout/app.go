package main

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/jobs"
	"lookout/internal/lock"
	"lookout/internal/logging"
	"lookout/internal/monitor"
	"lookout/internal/platform"
	"lookout/internal/store/sqlite"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       config.Config
	db        *sqlite.DB
	locker    lock.Locker
	registry  *collect.Registry
	collector *collect.Collector
	monitors  *monitor.Service
	runner    *jobs.Runner
}

// loadConfig reads path, falling back to defaults plus env when the file is missing.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		cfg.ResolveEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func openApp(cfgPath string) (*app, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logging.SetOutput(os.Stderr)
	logging.Configure(cfg.Log.Level)

	db, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.RedisURL != "" {
		r, err := lock.NewRedisFromURL(cfg.Lock.RedisURL, cfg.Lock.TTL)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		locker = r
	}
	reg := platform.NewRegistry(cfg)
	col := collect.New(reg, cfg.Collect)
	svc := monitor.NewService(db, locker)
	return &app{
		cfg:       cfg,
		db:        db,
		locker:    locker,
		registry:  reg,
		collector: col,
		monitors:  svc,
		runner:    jobs.NewRunner(svc, col, db, db, cfg.Collect.Concurrency),
	}, nil
}

func (a *app) Close() error {
	if c, ok := a.locker.(io.Closer); ok {
		_ = c.Close()
	}
	return a.db.Close()
}
