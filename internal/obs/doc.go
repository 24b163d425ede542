// Package obs provides Prometheus instrumentation for the board runtime.
// Components hold an optional *Metrics and guard every observation with a nil
// check, so wiring metrics stays a deployment decision.
package obs
