package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zxc88645/AudioAssuranceSystem/internal/archive"
	"github.com/zxc88645/AudioAssuranceSystem/internal/hub"
	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
)

// TransportError marks a failed remote artifact download. Always fatal for
// the run; the recording lives on the peer and nothing local can replace it.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ArtifactSource resolves locally archived artifacts. Satisfied by
// *archive.Store.
type ArtifactSource interface {
	Retrieve(id string) (*archive.Artifact, error)
}

// Transcriber converts audio bytes to text. Satisfied by
// *provider.Transcriber.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Comparer scores a candidate transcript against a reference. Satisfied by
// *provider.Comparer.
type Comparer interface {
	Compare(ctx context.Context, reference, candidate string) (*provider.ComparisonResult, error)
}

// Fetcher downloads the remote recording artifact.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPFetcher downloads recordings over plain HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch downloads the remote file. Any failure comes back as a
// *TransportError.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{URL: rawURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if len(data) == 0 {
		return nil, &TransportError{URL: rawURL, Err: errors.New("empty body")}
	}

	return data, nil
}

// Observer records pipeline outcomes. Implemented by the metrics registry;
// nil disables recording.
type Observer interface {
	RecordPipelineRun(status string, duration time.Duration)
}

// Config tunes the pipeline.
type Config struct {
	// FetchTimeout bounds the remote recording download.
	FetchTimeout time.Duration

	// RunTimeout bounds one full analysis run.
	RunTimeout time.Duration

	// WaitingResetDelay is how long a terminal status stays on the
	// progress hub before falling back to waiting.
	WaitingResetDelay time.Duration
}

// Pipeline orchestrates one analysis run per completed rendezvous.
type Pipeline struct {
	cfg         Config
	store       *Store
	artifacts   ArtifactSource
	fetcher     Fetcher
	transcriber Transcriber
	comparer    Comparer
	hub         *hub.Hub
	logger      *slog.Logger
	observer    Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the pipeline together.
func New(logger *slog.Logger, cfg Config, store *Store, artifacts ArtifactSource, fetcher Fetcher, transcriber Transcriber, comparer Comparer, h *hub.Hub, observer Observer) *Pipeline {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.WaitingResetDelay <= 0 {
		cfg.WaitingResetDelay = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		artifacts:   artifacts,
		fetcher:     fetcher,
		transcriber: transcriber,
		comparer:    comparer,
		hub:         h,
		logger:      logger,
		observer:    observer,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Trigger starts an analysis run for a completed rendezvous. The pending
// report is persisted before the run starts; the run itself proceeds in the
// background. Matches coordinator.TriggerFunc.
func (p *Pipeline) Trigger(sessionID, localArtifactID, remoteURL string) {
	report := NewReport(sessionID, localArtifactID, remoteURL)

	if err := p.store.Save(report); err != nil {
		p.logger.Error("Cannot persist pending report, dropping analysis run",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("Analysis run queued",
		slog.String("report_id", report.ID),
		slog.String("session_id", sessionID),
		slog.String("artifact_id", localArtifactID),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(report)
	}()
}

// Stop cancels in-flight runs and waits for them to finish persisting.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) run(report *Report) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RunTimeout)
	defer cancel()

	report.markProcessing()
	p.persist(report)
	p.hub.Publish(string(StatusProcessing), report.SessionID, map[string]any{"report_id": report.ID}, false)

	localAudio, err := p.loadLocalArtifact(report.LocalArtifactID)
	if err != nil {
		p.fail(report, start, fmt.Sprintf("local artifact unavailable: %v", err))
		return
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	remoteAudio, err := p.fetcher.Fetch(fetchCtx, report.RemoteURL)
	fetchCancel()
	if err != nil {
		p.fail(report, start, fmt.Sprintf("remote recording unavailable: %v", err))
		return
	}

	// Both transcripts or nothing: one failed leg fails the run, and the
	// shared errgroup context cancels the surviving leg early.
	var reference, candidate string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		text, err := p.transcriber.Transcribe(gctx, remoteFilename(report.RemoteURL), remoteAudio)
		if err != nil {
			return fmt.Errorf("reference transcription: %w", err)
		}
		reference = text
		return nil
	})
	g.Go(func() error {
		text, err := p.transcriber.Transcribe(gctx, report.LocalArtifactID+".wav", localAudio)
		if err != nil {
			return fmt.Errorf("candidate transcription: %w", err)
		}
		candidate = text
		return nil
	})
	if err := g.Wait(); err != nil {
		p.fail(report, start, err.Error())
		return
	}

	report.ReferenceTranscript = reference
	report.CandidateTranscript = candidate

	result, err := p.comparer.Compare(ctx, provider.Normalize(reference), provider.Normalize(candidate))
	if err != nil {
		p.fail(report, start, fmt.Sprintf("comparison: %v", err))
		return
	}

	report.markSuccess(result)
	p.persist(report)

	p.logger.Info("Analysis run succeeded",
		slog.String("report_id", report.ID),
		slog.String("session_id", report.SessionID),
		slog.Int("accuracy_score", result.AccuracyScore),
		slog.Bool("degraded", result.Degraded),
		slog.Duration("duration", time.Since(start)),
	)
	if p.observer != nil {
		p.observer.RecordPipelineRun(string(StatusSuccess), time.Since(start))
	}

	p.hub.Publish(string(StatusSuccess), report.SessionID, map[string]any{
		"report_id":      report.ID,
		"accuracy_score": result.AccuracyScore,
	}, false)
	p.hub.ScheduleWaitingReset(p.cfg.WaitingResetDelay)
}

func (p *Pipeline) fail(report *Report, start time.Time, msg string) {
	report.markError(msg)
	p.persist(report)

	p.logger.Error("Analysis run failed",
		slog.String("report_id", report.ID),
		slog.String("session_id", report.SessionID),
		slog.String("error", msg),
		slog.Duration("duration", time.Since(start)),
	)
	if p.observer != nil {
		p.observer.RecordPipelineRun(string(StatusError), time.Since(start))
	}

	p.hub.Publish(string(StatusError), report.SessionID, map[string]any{
		"report_id": report.ID,
		"error":     msg,
	}, false)
	p.hub.ScheduleWaitingReset(p.cfg.WaitingResetDelay)
}

func (p *Pipeline) persist(report *Report) {
	if err := p.store.Save(report); err != nil {
		p.logger.Error("Cannot persist report transition",
			slog.String("report_id", report.ID),
			slog.String("status", string(report.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) loadLocalArtifact(id string) ([]byte, error) {
	artifact, err := p.artifacts.Retrieve(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func remoteFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "recording.wav"
}
