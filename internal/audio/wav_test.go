package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768, 12345}

	encoded, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, rate, err := DecodeWAV(encoded)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if rate != 16000 {
		t.Errorf("expected sample rate 16000, got %d", rate)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}

	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name       string
		samples    []int16
		sampleRate int
		channels   int
	}{
		{"empty samples", nil, 16000, 1},
		{"zero sample rate", []int16{1, 2}, 0, 1},
		{"negative sample rate", []int16{1, 2}, -8000, 1},
		{"three channels", []int16{1, 2, 3}, 16000, 3},
		{"odd stereo samples", []int16{1, 2, 3}, 16000, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.samples, tt.sampleRate, tt.channels); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEncodeWAVStereoHeader(t *testing.T) {
	encoded, err := EncodeWAV([]int16{1, 2, 3, 4}, 44100, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	info, err := GetWAVInfo(encoded)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}

	if info.Channels != 2 {
		t.Errorf("expected 2 channels, got %d", info.Channels)
	}
	if info.SampleRate != 44100 {
		t.Errorf("expected sample rate 44100, got %d", info.SampleRate)
	}
	if info.NumFrames != 2 {
		t.Errorf("expected 2 frames, got %d", info.NumFrames)
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	notRIFF := bytes.Clone(valid)
	copy(notRIFF[0:4], "JUNK")

	stereo, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	headerOnly := bytes.Clone(valid[:headerSize])

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"missing RIFF", notRIFF},
		{"stereo not supported", stereo},
		{"header without data", headerOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDecodeWAVPipePlaceholderSizes(t *testing.T) {
	// ffmpeg writing to a non-seekable pipe cannot patch the RIFF sizes
	// after the fact and leaves 0xFFFFFFFF in both of them. The decoder
	// must fall back to the bytes actually present.
	samples := []int16{0, 100, -100, 2000, -32768, 32767}
	encoded, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	binary.LittleEndian.PutUint32(encoded[4:8], 0xFFFFFFFF)   // ChunkSize
	binary.LittleEndian.PutUint32(encoded[40:44], 0xFFFFFFFF) // Subchunk2Size

	decoded, rate, err := DecodeWAV(encoded)
	if err != nil {
		t.Fatalf("DecodeWAV failed on pipe-style header: %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected sample rate 16000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAVOversizedHeaderClaim(t *testing.T) {
	// A header claiming more data than the payload carries decodes the
	// payload that is there.
	valid, err := EncodeWAV([]int16{7, 8, 9, 10}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	short := bytes.Clone(valid[:headerSize+4])
	decoded, _, err := DecodeWAV(short)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != 7 || decoded[1] != 8 {
		t.Errorf("expected the two present samples, got %v", decoded)
	}
}

func TestGetWAVDuration(t *testing.T) {
	// One second of mono audio at 8 kHz.
	samples := make([]int16, 8000)
	encoded, err := EncodeWAV(samples, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	dur, err := GetWAVDuration(encoded)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	if dur != 1.0 {
		t.Errorf("expected duration 1.0s, got %f", dur)
	}
}

func TestGetWAVDurationStereo(t *testing.T) {
	// One second of stereo audio at 4 kHz: 8000 interleaved samples.
	samples := make([]int16, 8000)
	encoded, err := EncodeWAV(samples, 4000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	dur, err := GetWAVDuration(encoded)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	if dur != 1.0 {
		t.Errorf("expected duration 1.0s, got %f", dur)
	}
}

func TestValidateWAV(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if err := ValidateWAV(valid); err != nil {
		t.Errorf("expected valid WAV, got error: %v", err)
	}

	if err := ValidateWAV([]byte("not a wav file at all, clearly too short")); err == nil {
		t.Error("expected error for invalid data")
	}
}
