// Package metrics defines the Prometheus metrics and health/readiness
// handlers shared by the conductor and agent binaries, and exposes them
// over HTTP for scraping and orchestration probes.
package metrics
