// Package recommend fetches mood-based playlist suggestions. The lookup is a
// best-effort enrichment after a job completes; it must never influence job
// state.
package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Track is one suggested track for a mood.
type Track struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	URL    string `json:"url,omitempty"`
}

// Client calls the playlist recommendation service.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ForMood returns up to limit tracks matching the detected mood.
func (c *Client) ForMood(ctx context.Context, mood string, limit int) ([]Track, error) {
	q := url.Values{}
	q.Set("mood", mood)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/recommendations?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling recommendation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("recommendation service returned %s: %s", resp.Status, msg)
	}

	var tracks []Track
	if err := json.NewDecoder(resp.Body).Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decoding recommendations: %w", err)
	}
	return tracks, nil
}
