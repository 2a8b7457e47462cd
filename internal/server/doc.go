// Package server exposes the service's network surface: WebSocket endpoints
// for capture ingest and progress observation, and a REST API for reports,
// archived audio, peer coordination and monitoring.
package server
