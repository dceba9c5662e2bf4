// Package logx configures ebba's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional IRC sink (min-level + rate limiting, never blocks logging)
package logx
