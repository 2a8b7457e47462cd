// Package pipeline runs the quality-assurance analysis for a completed
// rendezvous: fetch the remote recording, transcribe both artifacts,
// compare the transcripts and persist a report through a strict status
// lifecycle.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
)

// Status is the report lifecycle state. Transitions only move forward:
// pending, processing, then exactly one of success or error.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Report is one analysis run and its outcome.
type Report struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	Status          Status `json:"status"`
	LocalArtifactID string `json:"local_artifact_id"`
	RemoteURL       string `json:"remote_url"`

	ReferenceTranscript string `json:"reference_transcript,omitempty"`
	CandidateTranscript string `json:"candidate_transcript,omitempty"`

	Result       *provider.ComparisonResult `json:"result,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewReport creates a pending report for a freshly completed rendezvous.
func NewReport(sessionID, localArtifactID, remoteURL string) *Report {
	now := time.Now().UTC()
	return &Report{
		ID:              "rep_" + uuid.New().String(),
		SessionID:       sessionID,
		Status:          StatusPending,
		LocalArtifactID: localArtifactID,
		RemoteURL:       remoteURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// markProcessing advances the report into the running state.
func (r *Report) markProcessing() {
	r.Status = StatusProcessing
	r.UpdatedAt = time.Now().UTC()
}

// markSuccess finalizes the report with a comparison verdict.
func (r *Report) markSuccess(result *provider.ComparisonResult) {
	now := time.Now().UTC()
	r.Status = StatusSuccess
	r.Result = result
	r.UpdatedAt = now
	r.CompletedAt = &now
}

// markError finalizes the report with a failure message.
func (r *Report) markError(msg string) {
	now := time.Now().UTC()
	r.Status = StatusError
	r.ErrorMessage = msg
	r.UpdatedAt = now
	r.CompletedAt = &now
}

// Summary is the list-view projection of a report.
type Summary struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Status        Status     `json:"status"`
	AccuracyScore *int       `json:"accuracy_score,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (r *Report) summary() Summary {
	s := Summary{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
	if r.Result != nil {
		score := r.Result.AccuracyScore
		s.AccuracyScore = &score
	}
	return s
}
