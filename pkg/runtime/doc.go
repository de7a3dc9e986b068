// Package runtime defines the Container Runtime Adapter the Deployment
// Supervisor drives (pull, run, stop, remove, inspect, list), backed by a
// containerd client.
package runtime
