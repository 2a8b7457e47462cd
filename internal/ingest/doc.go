// Package ingest accepts per-participant audio streams grouped into rooms,
// detects when a room fully drains and turns its streams into one archived
// artifact.
package ingest
