// Package classifier provides end-of-turn classifiers for the turn
// dispatcher.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"speech-turn-service/internal/service/turn"
)

// ErrEmptyURL is returned when an HTTP classifier has no endpoint.
var ErrEmptyURL = errors.New("classifier url is required")

// HTTPConfig holds configuration for the HTTP classifier.
type HTTPConfig struct {
	URL string
	// MaxQPS caps outbound requests across all conversations. Zero disables
	// limiting.
	MaxQPS  float64
	Timeout time.Duration
}

// HTTP queries a remote end-of-turn model.
//
// Request:  {"utterance": "...", "context": [{"role": "user", "content": "..."}]}
// Response: {"probability": 0.83}
type HTTP struct {
	url        string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTP creates an HTTP classifier.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MaxQPS > 0 {
		burst := int(cfg.MaxQPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), burst)
	}
	return &HTTP{
		url:        cfg.URL,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type eotRequest struct {
	Utterance string              `json:"utterance"`
	Context   []turn.ContextEntry `json:"context"`
}

type eotResponse struct {
	Probability *float64 `json:"probability"`
}

// EndOfTurnProbability implements turn.EotClassifier.
func (c *HTTP) EndOfTurnProbability(ctx context.Context, history []turn.ContextEntry, utterance string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	if history == nil {
		history = []turn.ContextEntry{}
	}
	body, err := json.Marshal(eotRequest{Utterance: utterance, Context: history})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("classifier error: %s - %s", resp.Status, string(respBody))
	}

	var out eotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Probability == nil {
		return 0, errors.New("classifier response has no probability")
	}
	return *out.Probability, nil
}
