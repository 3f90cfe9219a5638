// Package logx configures memoalarm's structured logging.
//
// It wraps zerolog behind a small Logger type:
//   - console output stays readable with a short timestamp and caller
//   - file output is JSON lines
//   - an optional Telegram sink mirrors warnings to an ops chat, rate limited
package logx
