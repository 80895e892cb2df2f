// Package logx wraps zerolog behind a small Logger/Service pair.
//
// The Service owns the sinks (console, file, optional Telegram mirror) and
// can swap them at runtime via Apply(); Loggers handed out earlier keep
// writing to the current sinks.
package logx
