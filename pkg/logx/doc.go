// Package logx wraps zerolog behind a small Field-based API with a
// reconfigurable Service (console + file sinks, hot-swappable at runtime).
package logx
