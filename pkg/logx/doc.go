// Package logx configures secuintegrator's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Per-level event counters, so operators can tell at a glance whether
//     anything went wrong since the last check
package logx
