// Package logx configures the scheduler's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink that republishes warn/error lines onto the
//     event bus (min-level + rate limiting) for operator-facing subscribers
package logx
