package audio

import (
	"testing"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"channel-join", PolicyChannelJoin, false},
		{"overlay-mix", PolicyOverlayMix, false},
		{"", "", true},
		{"stereo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePolicy failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMergeNoTracks(t *testing.T) {
	if _, err := Merge(PolicyChannelJoin, nil, 16000); err == nil {
		t.Error("expected error for zero tracks")
	}
}

func TestMergeSingleTrackPassthrough(t *testing.T) {
	track := []int16{10, -20, 30}

	for _, policy := range []Policy{PolicyChannelJoin, PolicyOverlayMix} {
		t.Run(string(policy), func(t *testing.T) {
			out, err := Merge(policy, [][]int16{track}, 16000)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}

			decoded, rate, err := DecodeWAV(out)
			if err != nil {
				t.Fatalf("DecodeWAV failed: %v", err)
			}
			if rate != 16000 {
				t.Errorf("expected sample rate 16000, got %d", rate)
			}
			if len(decoded) != len(track) {
				t.Fatalf("expected %d samples, got %d", len(track), len(decoded))
			}
			for i := range track {
				if decoded[i] != track[i] {
					t.Errorf("sample %d: expected %d, got %d", i, track[i], decoded[i])
				}
			}
		})
	}
}

func TestMergeChannelJoinRequiresTwoTracks(t *testing.T) {
	tracks := [][]int16{{1}, {2}, {3}}
	if _, err := Merge(PolicyChannelJoin, tracks, 16000); err == nil {
		t.Error("expected error for three tracks under channel-join")
	}
}

func TestJoinChannelsInterleaving(t *testing.T) {
	left := []int16{1, 2, 3}
	right := []int16{10, 20, 30}

	out, err := JoinChannels(left, right, 16000)
	if err != nil {
		t.Fatalf("JoinChannels failed: %v", err)
	}

	info, err := GetWAVInfo(out)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.Channels != 2 {
		t.Fatalf("expected stereo output, got %d channels", info.Channels)
	}
	if info.NumFrames != 3 {
		t.Errorf("expected 3 frames, got %d", info.NumFrames)
	}

	// Interleaved payload starts right after the 44-byte header: L0 R0 L1 R1...
	data := out[headerSize:]
	want := []int16{1, 10, 2, 20, 3, 30}
	for i, w := range want {
		got := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		if got != w {
			t.Errorf("interleaved sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestJoinChannelsPadsShorterTrack(t *testing.T) {
	left := []int16{1, 2, 3, 4}
	right := []int16{10}

	out, err := JoinChannels(left, right, 16000)
	if err != nil {
		t.Fatalf("JoinChannels failed: %v", err)
	}

	info, err := GetWAVInfo(out)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.NumFrames != 4 {
		t.Errorf("expected 4 frames (padded to longest track), got %d", info.NumFrames)
	}

	// The padded right channel must be silent past its real samples.
	data := out[headerSize:]
	for frame := 1; frame < 4; frame++ {
		idx := frame*4 + 2
		got := int16(uint16(data[idx]) | uint16(data[idx+1])<<8)
		if got != 0 {
			t.Errorf("frame %d right channel: expected silence, got %d", frame, got)
		}
	}
}

func TestOverlayMixLength(t *testing.T) {
	tracks := [][]int16{
		make([]int16, 100),
		make([]int16, 250),
		make([]int16, 50),
	}
	tracks[0][0] = 1000
	tracks[1][0] = 2000
	tracks[2][0] = 3000

	out, err := OverlayMix(tracks, 16000)
	if err != nil {
		t.Fatalf("OverlayMix failed: %v", err)
	}

	decoded, _, err := DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(decoded) != 250 {
		t.Errorf("expected mix length 250 (longest track), got %d", len(decoded))
	}
}

func TestOverlayMixNormalizesQuietTrack(t *testing.T) {
	loud := make([]int16, 10)
	quiet := make([]int16, 10)
	for i := range loud {
		loud[i] = 20000
		quiet[i] = 200
	}

	out, err := OverlayMix([][]int16{loud, quiet}, 16000)
	if err != nil {
		t.Fatalf("OverlayMix failed: %v", err)
	}

	decoded, _, err := DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	// Both tracks normalize to the same peak, so the average sits at that
	// peak instead of being dominated by the loud one.
	for i, s := range decoded {
		if s != mixTargetPeak {
			t.Errorf("sample %d: expected %d after normalization, got %d", i, mixTargetPeak, s)
		}
	}
}

func TestOverlayMixSilentTrackKeepsUnityGain(t *testing.T) {
	voiced := []int16{10000, -10000}
	silent := []int16{0, 0}

	out, err := OverlayMix([][]int16{voiced, silent}, 16000)
	if err != nil {
		t.Fatalf("OverlayMix failed: %v", err)
	}

	decoded, _, err := DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	// Voiced track normalized to target peak, averaged with silence.
	want := int16(mixTargetPeak / 2)
	if decoded[0] != want {
		t.Errorf("expected %d, got %d", want, decoded[0])
	}
	if decoded[1] != -want {
		t.Errorf("expected %d, got %d", -want, decoded[1])
	}
}

func TestOverlayMixNeverClips(t *testing.T) {
	hot := make([]int16, 20)
	for i := range hot {
		hot[i] = 32767
	}

	out, err := OverlayMix([][]int16{hot, hot, hot}, 16000)
	if err != nil {
		t.Fatalf("OverlayMix failed: %v", err)
	}

	decoded, _, err := DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	for i, s := range decoded {
		if s > mixTargetPeak {
			t.Errorf("sample %d exceeds target peak: %d", i, s)
		}
	}
}

func TestClampSample(t *testing.T) {
	tests := []struct {
		input float64
		want  int16
	}{
		{0, 0},
		{100.7, 100},
		{40000, 32767},
		{-40000, -32768},
	}

	for _, tt := range tests {
		if got := clampSample(tt.input); got != tt.want {
			t.Errorf("clampSample(%f): expected %d, got %d", tt.input, tt.want, got)
		}
	}
}
