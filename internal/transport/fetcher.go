package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/calterras/vizgraph/pkg/core"
)

// APIError represents an error response from the delta source (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPFetcher implements the engine's gap-fill Fetcher over a plain
// JSON-over-HTTP endpoint: GET {base}/deltas?from=N&to=M.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the given base URL.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// rangeResponse is the fetch endpoint's body: raw deltas in the same wire
// shape the websocket channel delivers.
type rangeResponse struct {
	Deltas []json.RawMessage `json:"deltas"`
}

// FetchRange returns the deltas in the inclusive range [from, to]. Malformed
// entries are skipped with a warning; they would be dropped at normalization
// anyway and must not fail the whole range.
func (f *HTTPFetcher) FetchRange(ctx context.Context, from, to uint64) ([]core.Delta, error) {
	url := fmt.Sprintf("%s/deltas?from=%d&to=%d", f.baseURL, from, to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var rr rangeResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("decoding range response: %w", err)
	}

	deltas := make([]core.Delta, 0, len(rr.Deltas))
	for _, raw := range rr.Deltas {
		d, err := core.Normalize(raw)
		if err != nil {
			var malformed *core.MalformedDeltaError
			if errors.As(err, &malformed) {
				slog.Warn("skipping malformed delta in range fetch", "error", err)
				continue
			}
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}
