package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// ComparerConfig contains transcript-comparison client configuration.
type ComparerConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
}

// ComparisonResult is the structured verdict of a transcript comparison.
// A score of 100 means the two transcripts are semantically equivalent
// once speech-to-text noise is discounted.
type ComparisonResult struct {
	AccuracyScore  int      `json:"accuracy_score"`
	Summary        string   `json:"summary"`
	KeyDifferences []string `json:"key_differences"`
	Suggestions    []string `json:"suggestions"`
	Reasoning      string   `json:"reasoning"`

	// Degraded marks a result synthesized after the provider replied with
	// something unparseable. The run still completes, scored zero.
	Degraded bool `json:"degraded,omitempty"`
}

const comparisonSystemPrompt = `You are a quality assurance analyst for call-center audio. You receive two transcripts of the same call: a reference transcript from the recording channel and a candidate transcript from the monitoring channel. Judge how faithfully the candidate captures the reference.

Scoring rules:
- 100 means semantically equivalent. Ignore differences that are plainly speech-to-text noise: punctuation, capitalization, filler words, minor word-order changes that keep the meaning.
- Deduct for missing or altered statements, wrong names, numbers or commitments.
- 0 means the candidate bears no usable relation to the reference.

Respond with a single JSON object and nothing else:
{"accuracy_score": <0-100 integer>, "summary": "<one paragraph>", "key_differences": ["..."], "suggestions": ["..."], "reasoning": "<how you scored>"}`

// Comparer scores how faithfully one transcript reproduces another through
// the external language-model API.
type Comparer struct {
	config     ComparerConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewComparer creates a transcript-comparison client.
func NewComparer(config ComparerConfig, logger *slog.Logger) (*Comparer, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	return &Comparer{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}, nil
}

// Compare scores the candidate transcript against the reference. Transient
// provider failures are retried; a reply that cannot be parsed as the
// expected JSON degrades into a zero-score result instead of failing the
// whole run.
func (c *Comparer) Compare(ctx context.Context, reference, candidate string) (*ComparisonResult, error) {
	if strings.TrimSpace(reference) == "" || strings.TrimSpace(candidate) == "" {
		return nil, &ValidationError{Reason: "both transcripts must be non-empty"}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.doRequest(ctx, reference, candidate)
		if err == nil {
			return result, nil
		}

		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			c.logger.Warn("Comparison response unparseable, degrading to zero score",
				slog.String("error", malformed.Err.Error()),
				slog.String("body", truncateBody([]byte(malformed.Body))),
			)
			return &ComparisonResult{
				AccuracyScore: 0,
				Summary:       "The comparison provider returned a response that could not be interpreted; the call is scored zero and flagged for manual review.",
				Reasoning:     "degraded result: provider response was not valid JSON",
				Degraded:      true,
			}, nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
	}

	return nil, fmt.Errorf("comparison failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Comparer) doRequest(ctx context.Context, reference, candidate string) (*ComparisonResult, error) {
	userPrompt := fmt.Sprintf("Reference transcript (recording channel):\n%s\n\nCandidate transcript (monitoring channel):\n%s", reference, candidate)

	payload, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: comparisonSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransientError{Op: "compare", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "compare", Err: err}
	}

	if err := classifyStatus("compare", resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, &MalformedResponseError{Body: string(respBody), Err: err}
	}
	if len(chat.Choices) == 0 {
		return nil, &MalformedResponseError{Body: string(respBody), Err: fmt.Errorf("no choices in response")}
	}

	return parseComparison(chat.Choices[0].Message.Content)
}

// parseComparison extracts the verdict JSON from the model's reply, which
// may be wrapped in prose or a code fence.
func parseComparison(content string) (*ComparisonResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, &MalformedResponseError{Body: content, Err: fmt.Errorf("no JSON object in reply")}
	}

	var result ComparisonResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return nil, &MalformedResponseError{Body: content, Err: err}
	}

	if result.AccuracyScore < 0 {
		result.AccuracyScore = 0
	}
	if result.AccuracyScore > 100 {
		result.AccuracyScore = 100
	}

	return &result, nil
}

// Normalize prepares a transcript for comparison: lowercase, punctuation
// stripped, whitespace collapsed. Keeps the comparison focused on content
// rather than speech-to-text formatting choices.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case strings.ContainsRune(".,!?;:\"'()[]{}«»—-", r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}
