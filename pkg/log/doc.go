// Package log wraps zerolog with a global Logger, JSON/console output
// selection, and context-logger helpers for the ids this codebase logs
// around: component, worker, operator, session.
package log
