package app

import (
	logx "github.com/Bird73/SecuIntegrator24/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:       lc.File.Enabled,
			Path:          lc.File.Path,
			MaxSizeMB:     lc.File.MaxSizeMB,
			MaxBackups:    lc.File.MaxBackups,
			RetentionDays: lc.File.RetentionDays,
			Compress:      lc.File.Compress,
		},
	}
}
