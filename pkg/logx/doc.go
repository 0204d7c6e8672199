// Package logx configures jobmgr's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON output structured
//   - Runtime reconfiguration (Service.Apply) on config reload
package logx
