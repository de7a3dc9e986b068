// Package types defines the core data model shared by the conductor and
// the worker agent: operators, registration tokens, workers, live
// resource snapshots, sessions, subscriptions, deployment instructions,
// and worker-local service records.
package types
