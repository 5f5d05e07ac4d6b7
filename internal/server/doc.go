// Package server exposes the media-stream WebSocket endpoint and the HTTP
// monitoring API (health probes, session listing, Prometheus metrics).
package server
