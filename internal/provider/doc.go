// Package provider holds the HTTP clients for the external speech-to-text
// and transcript-comparison services, with typed error classification so
// callers can tell permanent rejections from transient outages.
package provider
