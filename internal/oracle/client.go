// Package oracle is the HTTP client for the external assignment scoring
// service. The service is best-effort: callers treat every failure as
// "no suggestion".
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEmptyResponse is returned when the oracle answers without any usable hint
var ErrEmptyResponse = errors.New("oracle returned no assignments")

// Task is the per-task payload sent to the oracle
type Task struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Reference     string    `json:"reference,omitempty"`
	ReferenceDate time.Time `json:"reference_date"`
	DueDate       time.Time `json:"due_date"`
	Priority      string    `json:"priority"`
}

// Hint is one suggested pairing. Kind is optional and only needed when the
// same task id was sent for several kinds.
type Hint struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind,omitempty"`
	AssigneeID string `json:"assignee_id"`
}

type request struct {
	Tasks []Task `json:"tasks"`
}

type response struct {
	Assignments []Hint `json:"assignments"`
}

// Client calls the oracle over HTTP
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client. The request deadline comes from the caller's
// context; timeout bounds the underlying transport as a backstop.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Suggest posts the pending task list and returns the oracle's hints
func (c *Client) Suggest(ctx context.Context, list []Task) ([]Hint, error) {
	body, err := json.Marshal(request{Tasks: list})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	hints := out.Assignments[:0]
	for _, h := range out.Assignments {
		if h.TaskID == "" || h.AssigneeID == "" {
			continue
		}
		hints = append(hints, h)
	}
	if len(hints) == 0 {
		return nil, ErrEmptyResponse
	}
	return hints, nil
}
