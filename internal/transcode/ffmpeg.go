package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Transcoder converts raw captured audio bytes (whatever container the
// capture side produced, typically WebM/Opus) into mono PCM-16 WAV.
type Transcoder interface {
	Decode(ctx context.Context, raw []byte) ([]byte, error)
}

// DecodeError reports a per-stream decode failure. The merge engine absorbs
// these: the failed stream is excluded and the remaining streams proceed.
type DecodeError struct {
	Stderr string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("transcode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FFmpeg shells out to the external ffmpeg binary over stdin/stdout pipes.
type FFmpeg struct {
	// Path to the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Path string

	// SampleRate of the produced mono PCM output.
	SampleRate int

	// Denoise applies the anlmdn filter before resampling. The monitoring
	// channel captures a far noisier signal than the recording channel.
	Denoise bool
}

// NewFFmpeg builds a transcoder and verifies the binary is reachable.
// A missing transcoder is a startup failure, not a per-call one.
func NewFFmpeg(path string, sampleRate int, denoise bool) (*FFmpeg, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found at %q: %w", path, err)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &FFmpeg{Path: resolved, SampleRate: sampleRate, Denoise: denoise}, nil
}

// Decode converts a full captured stream into mono PCM-16 WAV bytes.
// Any ffmpeg failure (corrupt container, zero-length input) comes back as a
// *DecodeError carrying the tool's stderr.
func (f *FFmpeg) Decode(ctx context.Context, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("empty input stream")}
	}

	cmd := exec.CommandContext(ctx, f.Path, f.args()...)
	cmd.Stdin = bytes.NewReader(raw)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &DecodeError{Stderr: stderr.String(), Err: err}
	}

	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, &DecodeError{Stderr: stderr.String(), Err: fmt.Errorf("ffmpeg produced no output")}
	}

	return out, nil
}

func (f *FFmpeg) args() []string {
	args := []string{"-i", "pipe:0"}
	if f.Denoise {
		args = append(args, "-af", "anlmdn")
	}
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(f.SampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		"-hide_banner",
		"-loglevel", "error",
		"pipe:1",
	)
	return args
}
