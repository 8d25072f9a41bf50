package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/storage"
)

const defaultRunRetentionDays = 60

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// runRetention returns how long run history is kept; 0 means forever.
func runRetention(cfg *Config) time.Duration {
	days := defaultRunRetentionDays
	if cfg != nil && cfg.Storage != nil && cfg.Storage.RetentionDays != 0 {
		days = cfg.Storage.RetentionDays
	}
	if days < 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
