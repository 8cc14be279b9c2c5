package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/config"
	"cronsched/internal/storage"
	logx "cronsched/pkg/logx"
)

const defaultBusyTimeout = time.Second

// mapStorageConfig reports false when the run report is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc, err := cfg.Storage.ToStorage()
	if err != nil {
		return storage.Config{}, false, err
	}
	sc.Driver = strings.ToLower(strings.TrimSpace(sc.Driver))
	sc.Path = strings.TrimSpace(sc.Path)
	switch sc.Driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		sc.BusyTimeout = 0
	case "sqlite", "sqlite3":
		if sc.BusyTimeout <= 0 {
			sc.BusyTimeout = defaultBusyTimeout
		}
	default:
		return storage.Config{}, false, errors.Wrapf(storage.ErrUnknownDriver, "storage.driver %q", sc.Driver)
	}
	if sc.Path == "" {
		return storage.Config{}, false, errors.Newf("storage.path is required when storage.driver=%s", sc.Driver)
	}
	return sc, true, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, ok, err := mapStorageConfig(cfg)
	if err != nil || !ok {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, errors.Wrap(err, "open run report")
	}
	log.Info("run report opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	return store, nil
}
