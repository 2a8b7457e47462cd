// Package audio provides PCM-16 WAV encoding/decoding and the merge
// policies that combine a room's participant tracks into one artifact.
package audio
