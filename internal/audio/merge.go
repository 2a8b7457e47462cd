package audio

import (
	"fmt"
)

// Policy selects how a room's decoded participant tracks are combined into
// one artifact. The two capturing subsystems use different strategies: the
// recording channel joins each speaker into their own stereo channel, the
// monitoring channel mixes everything into a single normalized track.
type Policy string

const (
	// PolicyChannelJoin combines exactly two tracks into a two-channel
	// artifact, one channel per participant.
	PolicyChannelJoin Policy = "channel-join"

	// PolicyOverlayMix volume-normalizes one or more tracks and mixes them
	// into a single-channel artifact.
	PolicyOverlayMix Policy = "overlay-mix"
)

// ParsePolicy validates a configured merge policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyChannelJoin, PolicyOverlayMix:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown merge policy %q (want %q or %q)", s, PolicyChannelJoin, PolicyOverlayMix)
	}
}

// Target peak for overlay-mix normalization, roughly -2 dBFS. Leaves
// headroom so the averaged mix never clips after gain.
const mixTargetPeak = 26000

// Merge combines decoded mono tracks into one WAV artifact according to the
// policy. A single track is passed through unchanged as mono regardless of
// policy. Zero tracks is an error; callers decide earlier that a fully
// failed room produces no artifact.
func Merge(policy Policy, tracks [][]int16, sampleRate int) ([]byte, error) {
	switch len(tracks) {
	case 0:
		return nil, fmt.Errorf("no tracks to merge")
	case 1:
		return EncodeWAV(tracks[0], sampleRate, 1)
	}

	switch policy {
	case PolicyChannelJoin:
		if len(tracks) != 2 {
			return nil, fmt.Errorf("channel-join requires exactly 2 tracks, got %d", len(tracks))
		}
		return JoinChannels(tracks[0], tracks[1], sampleRate)
	case PolicyOverlayMix:
		return OverlayMix(tracks, sampleRate)
	default:
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}
}

// JoinChannels interleaves two mono tracks into one stereo WAV, left channel
// first. The shorter track is padded with silence.
func JoinChannels(left, right []int16, sampleRate int) ([]byte, error) {
	if len(left) == 0 && len(right) == 0 {
		return nil, fmt.Errorf("cannot join two empty tracks")
	}

	frames := max(len(left), len(right))
	interleaved := make([]int16, 0, frames*2)
	for i := 0; i < frames; i++ {
		var l, r int16
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		interleaved = append(interleaved, l, r)
	}

	return EncodeWAV(interleaved, sampleRate, 2)
}

// OverlayMix peak-normalizes each track to a common level, averages them
// sample-by-sample and encodes the result as mono WAV. Silent tracks keep
// unity gain so they cannot blow up the mix.
func OverlayMix(tracks [][]int16, sampleRate int) ([]byte, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no tracks to mix")
	}

	frames := 0
	for _, t := range tracks {
		if len(t) > frames {
			frames = len(t)
		}
	}
	if frames == 0 {
		return nil, fmt.Errorf("cannot mix empty tracks")
	}

	gains := make([]float64, len(tracks))
	for i, t := range tracks {
		gains[i] = normalizeGain(t)
	}

	mixed := make([]int16, frames)
	n := float64(len(tracks))
	for i := 0; i < frames; i++ {
		var acc float64
		for ti, t := range tracks {
			if i < len(t) {
				acc += float64(t[i]) * gains[ti]
			}
		}
		mixed[i] = clampSample(acc / n)
	}

	return EncodeWAV(mixed, sampleRate, 1)
}

// normalizeGain returns the gain that brings a track's peak up (or down) to
// the mix target. A silent track gets unity gain.
func normalizeGain(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return 1
	}
	return float64(mixTargetPeak) / float64(peak)
}

func clampSample(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
