// Package transcode wraps the external audio transcoder used to normalize
// captured streams into mono PCM-16 WAV before merging.
package transcode
