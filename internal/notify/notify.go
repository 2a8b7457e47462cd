// Package notify hands a freshly archived recording reference to the
// analysis side, either over HTTP to a peer deployment or directly into
// the local coordinator when both subsystems run in one process.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier announces that a recording artifact is ready for analysis.
type Notifier interface {
	NotifyRecordingReady(ctx context.Context, sessionID, fileURL string) error
}

// Notification is the wire payload of a recording-ready announcement.
type Notification struct {
	CallSessionID    string `json:"call_session_id"`
	RecordingFileURL string `json:"recording_file_url"`
}

// HTTPNotifier posts notifications to a peer deployment's trigger endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPNotifier creates a notifier for a remote analysis endpoint.
func NewHTTPNotifier(endpoint string, timeout time.Duration, logger *slog.Logger) (*HTTPNotifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// NotifyRecordingReady posts the announcement. The caller decides what a
// failure means; the recording artifact itself is already durable.
func (n *HTTPNotifier) NotifyRecordingReady(ctx context.Context, sessionID, fileURL string) error {
	payload, err := json.Marshal(Notification{
		CallSessionID:    sessionID,
		RecordingFileURL: fileURL,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected with HTTP %d", resp.StatusCode)
	}

	n.logger.Info("Recording notification delivered",
		slog.String("session_id", sessionID),
		slog.String("recording_url", fileURL),
		slog.String("endpoint", n.endpoint),
	)
	return nil
}

// RemoteReferenceSetter is the coordinator side of the loopback path.
type RemoteReferenceSetter interface {
	SetRemoteArtifactReference(sessionID, url string)
}

// LoopbackNotifier feeds the local coordinator directly. Used when the
// capture and analysis subsystems share one process, which removes the
// network hop and its failure modes.
type LoopbackNotifier struct {
	coordinator RemoteReferenceSetter
	logger      *slog.Logger
}

// NewLoopbackNotifier creates an in-process notifier.
func NewLoopbackNotifier(coordinator RemoteReferenceSetter, logger *slog.Logger) *LoopbackNotifier {
	return &LoopbackNotifier{coordinator: coordinator, logger: logger}
}

// NotifyRecordingReady hands the reference straight to the coordinator.
func (n *LoopbackNotifier) NotifyRecordingReady(_ context.Context, sessionID, fileURL string) error {
	n.logger.Debug("Recording notification looped back",
		slog.String("session_id", sessionID),
		slog.String("recording_url", fileURL),
	)
	n.coordinator.SetRemoteArtifactReference(sessionID, fileURL)
	return nil
}
