package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Audio size bounds the speech-to-text provider enforces. Checked locally
// before any network traffic so oversized uploads fail fast.
const (
	maxAudioBytes = 25 * 1024 * 1024
	minAudioBytes = 1024
)

// TranscriberConfig contains speech-to-text client configuration.
type TranscriberConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Transcriber converts archived audio into text through the external
// speech-to-text API.
type Transcriber struct {
	config     TranscriberConfig
	httpClient *http.Client
	semaphore  chan struct{}

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// TranscriberStats represents client statistics.
type TranscriberStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewTranscriber creates a speech-to-text client.
func NewTranscriber(config TranscriberConfig) (*Transcriber, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Model == "" {
		config.Model = "whisper-1"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Transcriber{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe uploads one audio file and returns its transcript. Validation
// failures return before any network traffic; transient provider failures
// are retried with exponential backoff, permanent rejections are not.
func (t *Transcriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) < minAudioBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("audio too small: %d bytes (minimum %d)", len(audio), minAudioBytes)}
	}
	if len(audio) > maxAudioBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("audio too large: %d bytes (maximum %d)", len(audio), maxAudioBytes)}
	}

	select {
	case t.semaphore <- struct{}{}:
		defer func() { <-t.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	t.incrementTotal()

	var lastErr error
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			t.incrementRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := t.doRequest(ctx, filename, audio)
		if err == nil {
			t.incrementSuccess()
			return text, nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
	}

	t.incrementFailed()
	return "", fmt.Errorf("transcription failed after %d attempts: %w", t.config.MaxRetries+1, lastErr)
}

func (t *Transcriber) doRequest(ctx context.Context, filename string, audio []byte) (string, error) {
	body, contentType, err := t.createMultipartRequest(filename, audio)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &TransientError{Op: "transcribe", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientError{Op: "transcribe", Err: err}
	}

	if err := classifyStatus("transcribe", resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &MalformedResponseError{Body: string(respBody), Err: err}
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return "", &ValidationError{Reason: "provider returned an empty transcript"}
	}

	return text, nil
}

func (t *Transcriber) createMultipartRequest(filename string, audio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           t.config.Model,
		"response_format": "json",
	}
	if t.config.Language != "" {
		fields["language"] = t.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// classifyStatus maps HTTP status codes to the error taxonomy: 5xx and 429
// are transient, other non-2xx are permanent rejections.
func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: status, Err: fmt.Errorf("%s", truncateBody(body))}
	default:
		return &ValidationError{Reason: fmt.Sprintf("%s rejected with HTTP %d: %s", op, status, truncateBody(body))}
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

func (t *Transcriber) incrementTotal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRequests++
}

func (t *Transcriber) incrementSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successRequests++
}

func (t *Transcriber) incrementFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedRequests++
}

func (t *Transcriber) incrementRetries() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRetries++
}

// GetStats returns current client statistics.
func (t *Transcriber) GetStats() TranscriberStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	successRate := float64(0)
	if t.totalRequests > 0 {
		successRate = float64(t.successRequests) / float64(t.totalRequests) * 100
	}

	return TranscriberStats{
		TotalRequests:   t.totalRequests,
		SuccessRequests: t.successRequests,
		FailedRequests:  t.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    t.totalRetries,
	}
}
