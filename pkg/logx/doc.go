// Package logx configures cronwheel's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Loggers live across config reloads (Service.Apply)
package logx
