// Package server exposes the session engine over a local HTTP control API:
// recording and playback control, conversation management, health, stats,
// and Prometheus metrics.
package server
