// Package setup provides host-level defaults and checks for the orchestrator:
// storage locations, required host tools and cache housekeeping.
//
// Its functions operate on process-wide state (StorageDir), so it logs through
// a package logger set once by the CLI instead of taking one per call.
package setup
