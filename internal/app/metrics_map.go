package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/observability/metrics"
)

// mapMetricsConfig validates and converts the metrics section.
// It never starts the server.
func mapMetricsConfig(cfg *Config) (metrics.ServerConfig, bool, error) {
	var out metrics.ServerConfig
	if cfg == nil {
		return out, false, nil
	}
	mc := cfg.Metrics

	out.Addr = strings.TrimSpace(mc.Addr)
	if out.Addr == "" {
		out.Addr = metrics.DefaultAddr
	}
	out.Token = strings.TrimSpace(mc.Token)
	out.AllowInsecure = mc.AllowInsecure
	out.Pprof = mc.Pprof

	readTO, err := parseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, false, err
	}
	// pprof profile/trace need long writes; 0 disables the timeout.
	writeTO, err := parseDurationField("metrics.write_timeout", mc.WriteTimeout)
	if err != nil {
		return out, false, err
	}
	idleTO, err := parseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, false, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO
	out.IdleTimeout = idleTO

	if mc.MutexProfileFraction < 0 {
		return out, false, fmt.Errorf("metrics.mutex_profile_fraction must be >= 0")
	}
	if mc.BlockProfileRate < 0 {
		return out, false, fmt.Errorf("metrics.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = mc.MutexProfileFraction
	out.BlockProfileRate = mc.BlockProfileRate

	if mc.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, false, fmt.Errorf("metrics.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, mc.Enabled, nil
}
