// Package logx is cronsched's structured logging facade over zerolog.
//
// Console output is human readable with a short caller; the optional file sink is JSON.
// Loggers derived from a Service follow its level and sinks across Apply, so a config
// reload takes effect without re-plumbing loggers through the tree.
package logx
