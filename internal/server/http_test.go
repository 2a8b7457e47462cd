package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zxc88645/AudioAssuranceSystem/internal/archive"
	"github.com/zxc88645/AudioAssuranceSystem/internal/audio"
	"github.com/zxc88645/AudioAssuranceSystem/internal/config"
	"github.com/zxc88645/AudioAssuranceSystem/internal/coordinator"
	"github.com/zxc88645/AudioAssuranceSystem/internal/hub"
	"github.com/zxc88645/AudioAssuranceSystem/internal/ingest"
	"github.com/zxc88645/AudioAssuranceSystem/internal/metrics"
	"github.com/zxc88645/AudioAssuranceSystem/internal/pipeline"
	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
)

// promauto registers into the global registry, so the test binary builds the
// metrics exactly once.
var testMetrics = metrics.NewMetrics()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// passthroughTranscoder wraps the raw captured bytes as one-sample-per-byte
// PCM so drains work without an ffmpeg binary.
type passthroughTranscoder struct{}

func (passthroughTranscoder) Decode(_ context.Context, raw []byte) ([]byte, error) {
	samples := make([]int16, len(raw))
	for i, b := range raw {
		samples[i] = int16(b)
	}
	return audio.EncodeWAV(samples, 8000, 1)
}

type testEnv struct {
	srv       *HTTPServer
	ts        *httptest.Server
	store     *archive.Store
	reports   *pipeline.Store
	hub       *hub.Hub
	coord     *coordinator.Coordinator
	triggered chan [3]string
	drained   chan string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	store, err := archive.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("archive.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reports, err := pipeline.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("pipeline.OpenStore failed: %v", err)
	}
	t.Cleanup(func() { reports.Close() })

	env := &testEnv{
		store:     store,
		reports:   reports,
		hub:       hub.New(logger),
		triggered: make(chan [3]string, 4),
		drained:   make(chan string, 4),
	}

	env.coord = coordinator.New(logger, time.Hour, func(sessionID, localArtifactID, remoteURL string) {
		env.triggered <- [3]string{sessionID, localArtifactID, remoteURL}
	})
	t.Cleanup(env.coord.Stop)

	sink := func(sessionID string, artifact *archive.Artifact) {
		env.drained <- artifact.ID
	}

	recording := ingest.NewService(logger, ingest.ServiceConfig{
		Channel:    "recording",
		Policy:     audio.PolicyChannelJoin,
		SampleRate: 8000,
		TempDir:    t.TempDir(),
	}, passthroughTranscoder{}, store, sink, nil)
	t.Cleanup(recording.Stop)

	monitoring := ingest.NewService(logger, ingest.ServiceConfig{
		Channel:    "monitoring",
		Policy:     audio.PolicyOverlayMix,
		SampleRate: 8000,
		TempDir:    t.TempDir(),
	}, passthroughTranscoder{}, store, sink, nil)
	t.Cleanup(monitoring.Stop)

	stt, err := provider.NewTranscriber(provider.TranscriberConfig{
		Endpoint: "http://127.0.0.1:1/v1/audio/transcriptions",
		APIKey:   "secret-test-key",
	})
	if err != nil {
		t.Fatalf("NewTranscriber failed: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:          8080,
			Address:       "127.0.0.1",
			PublicBaseURL: "http://127.0.0.1:8080",
		},
		Transcription: config.TranscriptionConfig{
			Endpoint: "http://127.0.0.1:1/v1/audio/transcriptions",
			APIKey:   "secret-test-key",
		},
	}

	env.srv = NewHTTPServer(cfg, logger, testMetrics, recording, monitoring, store, env.coord, reports, env.hub, stt)
	env.ts = httptest.NewServer(env.srv.server.Handler)
	t.Cleanup(env.ts.Close)

	return env
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]any
	if code := getJSON(t, env.ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	if _, ok := body["components"]; !ok {
		t.Error("expected component breakdown in health response")
	}
}

func TestConfigEndpointOmitsSecrets(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "secret-test-key") {
		t.Error("sanitized config leaked an API key")
	}
	if !strings.Contains(string(raw), "transcription") {
		t.Error("expected transcription section in sanitized config")
	}
}

func TestAnalysisTriggerEndpoint(t *testing.T) {
	env := newTestEnv(t)

	payload := `{"call_session_id": "call-1", "recording_file_url": "http://peer/api/audio/a1"}`
	resp, err := http.Post(env.ts.URL+"/api/internal/analysis-trigger", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST trigger failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// The remote half alone must not fire.
	select {
	case got := <-env.triggered:
		t.Fatalf("trigger fired with only one side: %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	env.coord.SetLocalArtifact("call-1", "local-artifact")
	select {
	case got := <-env.triggered:
		if got != [3]string{"call-1", "local-artifact", "http://peer/api/audio/a1"} {
			t.Errorf("unexpected trigger payload: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger never fired")
	}
}

func TestAnalysisTriggerRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{nope"},
		{name: "missing session", body: `{"recording_file_url": "http://peer/a"}`},
		{name: "missing url", body: `{"call_session_id": "call-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.ts.URL+"/api/internal/analysis-trigger", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestReportEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var listing map[string]any
	if code := getJSON(t, env.ts.URL+"/api/reports", &listing); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if listing["total"] != float64(0) {
		t.Errorf("expected empty listing, got %v", listing["total"])
	}

	report := pipeline.NewReport("call-5", "artifact-5", "http://peer/api/audio/r5")
	if err := env.reports.Save(report); err != nil {
		t.Fatalf("seeding report: %v", err)
	}

	if code := getJSON(t, env.ts.URL+"/api/reports", &listing); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if listing["total"] != float64(1) {
		t.Errorf("expected one report, got %v", listing["total"])
	}

	var got map[string]any
	if code := getJSON(t, env.ts.URL+"/api/reports/"+report.ID, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got["session_id"] != "call-5" {
		t.Errorf("unexpected report body: %v", got)
	}

	if code := getJSON(t, env.ts.URL+"/api/reports/rep_missing", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown report, got %d", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/reports", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without older_than_days, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, env.ts.URL+"/api/reports?older_than_days=30", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAudioEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if code := getJSON(t, env.ts.URL+"/api/audio/unknown", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown artifact, got %d", code)
	}
}

func TestResetProgressEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Publish("processing", "call-3", nil, false)

	resp, err := http.Post(env.ts.URL+"/api/reset-progress", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if cur := env.hub.Current(); cur.Status != hub.StatusWaiting {
		t.Errorf("expected waiting after reset, got %q", cur.Status)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestIngestWebSocketDrainsOnClose(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/ws/recording/room-ws/agent"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	chunk := bytes.Repeat([]byte{10, 20, 30, 40}, 100)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatalf("sending chunk: %v", err)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case artifactID := <-env.drained:
		if _, err := env.store.Retrieve(artifactID); err != nil {
			t.Errorf("drained artifact not retrievable: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("room never drained after socket close")
	}
}

func TestProgressWebSocketSnapshotFirst(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/ws/progress"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first hub.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if first.Status != hub.StatusWaiting {
		t.Errorf("expected waiting snapshot, got %q", first.Status)
	}

	env.hub.Publish("processing", "call-8", nil, false)

	var second hub.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("reading update: %v", err)
	}
	if second.Status != "processing" || second.SessionID != "call-8" {
		t.Errorf("unexpected update: %+v", second)
	}
}
