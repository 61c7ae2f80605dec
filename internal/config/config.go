// Package config persists the per-device engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/fieldsync/internal/models"
)

const (
	configFile = ".fieldsync/config.json"
	lockFile   = ".fieldsync/config.json.lock"
)

// Defaults applied when the config leaves a field unset.
const (
	DefaultSyncInterval = 5 * time.Minute
	DefaultMaxAttempts  = 5
)

// Load reads the config from disk. A missing file yields a zero config.
func Load(baseDir string) (*models.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Config{}, nil
		}
		return nil, err
	}

	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk using an atomic temp-file rename.
func Save(baseDir string, cfg *models.Config) error {
	configPath := filepath.Join(baseDir, configFile)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, configPath)
}

// Update applies fn to the config under the file lock and saves it.
func Update(baseDir string, fn func(cfg *models.Config) error) error {
	return withLock(baseDir, func() error {
		cfg, err := Load(baseDir)
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		return Save(baseDir, cfg)
	})
}

// EnsureDeviceID returns the stored device ID, minting and persisting one
// on first use.
func EnsureDeviceID(baseDir string) (string, error) {
	cfg, err := Load(baseDir)
	if err != nil {
		return "", err
	}
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}

	id := uuid.NewString()
	err = Update(baseDir, func(cfg *models.Config) error {
		if cfg.DeviceID == "" {
			cfg.DeviceID = id
		} else {
			id = cfg.DeviceID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SyncInterval parses the configured interval, falling back to the default.
func SyncInterval(cfg *models.Config) time.Duration {
	if cfg.SyncInterval == "" {
		return DefaultSyncInterval
	}
	d, err := time.ParseDuration(cfg.SyncInterval)
	if err != nil || d <= 0 {
		return DefaultSyncInterval
	}
	return d
}
