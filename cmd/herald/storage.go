package main

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mivanov/herald/internal/config"
)

// openStorage opens the shared database for offline CLI commands. The
// bolt file lock means these commands fail fast while the server runs.
func openStorage() (*bolt.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage (is the server running?): %w", err)
	}

	return db, cfg, nil
}
