package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnavailable marks timeouts and 5xx responses from the call
// provider. Callers treat it as retryable.
var ErrUnavailable = errors.New("call provider unavailable")

// Call is one completed call as reported by the provider's query API.
type Call struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	DurationSeconds int       `json:"durationSeconds"`
	CostMinorUnits  int64     `json:"costMinorUnits"`
	EndedAt         time.Time `json:"endedAt"`
	Status          string    `json:"status"`
}

// Client talks to the voice call provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListCalls returns the provider's authoritative completed-call list
// for one organization in [from, to].
func (c *Client) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error) {
	params := url.Values{}
	params.Set("organizationId", orgID)
	params.Set("status", "completed")
	params.Set("endedAtGe", from.UTC().Format(time.RFC3339))
	params.Set("endedAtLe", to.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/calls?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Calls []Call `json:"calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return result.Calls, nil
}
