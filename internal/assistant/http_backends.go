package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hackhub-backend/internal/models"
)

const maxResponseBytes = 4 << 20

var errMissingSummary = errors.New("summarize response has no summary field")

// HTTPCompleter consumes a completion endpoint speaking
// {model, messages, temperature?, max_tokens?} -> {response} | {error}.
type HTTPCompleter struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPCompleter(url, token string) *HTTPCompleter {
	return &HTTPCompleter{url: url, token: token, httpClient: &http.Client{}}
}

func (c *HTTPCompleter) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	status, data, err := postJSON(ctx, c.httpClient, c.url, c.token, req)
	if err != nil {
		return "", &CompletionError{Kind: Upstream, Err: err}
	}

	var out models.CompletionResponse
	decodeErr := json.Unmarshal(data, &out)

	if status < 200 || status >= 300 {
		msg := http.StatusText(status)
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		return "", &CompletionError{Kind: Upstream, StatusCode: status, Err: errors.New(msg)}
	}
	if decodeErr != nil {
		return "", &CompletionError{Kind: Malformed, StatusCode: status, Err: decodeErr}
	}
	if out.Response == "" {
		return "", &CompletionError{Kind: Malformed, StatusCode: status, Err: errEmptyCompletion}
	}
	return out.Response, nil
}

// HTTPSummaryBackend consumes a summarization endpoint that always answers
// 200 with {summary, error?}.
type HTTPSummaryBackend struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPSummaryBackend(url, token string) *HTTPSummaryBackend {
	return &HTTPSummaryBackend{url: url, token: token, httpClient: &http.Client{}}
}

func (b *HTTPSummaryBackend) Summarize(ctx context.Context, req models.SummarizeRequest) (string, error) {
	status, data, err := postJSON(ctx, b.httpClient, b.url, b.token, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("summarize endpoint answered %d", status)
	}

	var out struct {
		Summary *string `json:"summary"`
		Error   string  `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("malformed summarize response: %w", err)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	if out.Summary == nil {
		return "", errMissingSummary
	}
	return *out.Summary, nil
}

func postJSON(ctx context.Context, client *http.Client, url, token string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
