package app

import (
	"time"

	"github.com/Bird73/SecuIntegrator24/internal/config"
	"github.com/Bird73/SecuIntegrator24/internal/runtime/supervisor"
	"github.com/Bird73/SecuIntegrator24/internal/task/scheduler"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

type SupervisorSnapshot = supervisor.Snapshot

// ---- Scheduler ----

type Engine = scheduler.Engine

type Snapshot = scheduler.Snapshot
