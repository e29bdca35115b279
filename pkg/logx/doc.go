// Package logx provides remibot's structured logging on top of zerolog.
//
// Sinks are config-driven and hot-swappable via Service.Apply:
//   - Console (pretty, human-friendly)
//   - File (JSON lines)
//   - Operator chat (via the transport sender), rate limited so a log storm
//     cannot flood the chat
//
// Logger values are cheap to copy and safe to share; the zero value is a
// no-op logger.
package logx
