// Package health provides a small Checker abstraction, backed here by a
// plain-function probe, used by the conductor and agent to answer their
// /health endpoints.
package health
