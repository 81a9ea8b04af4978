// Package logx configures levelup's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config reload)
//
// There is no chat sink: every message to the group goes through the
// dispatch worker.
package logx
