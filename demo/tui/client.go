package tui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sourcewatch/types"
)

// Client is a thin HTTP client for the sourcewatch API
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetStatus fetches the current pipeline status
func (c *Client) GetStatus() (*types.StatusResponse, error) {
	resp, err := c.client.Get(c.baseURL + "/api/status")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// ErrBusy is returned by Trigger when a run is already in progress.
var ErrBusy = errors.New("a run is already in progress")

// Trigger starts a run without waiting for it to finish
func (c *Client) Trigger() error {
	resp, err := c.client.Post(c.baseURL+"/api/process?async=true", "application/json", strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("failed to trigger run: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return ErrBusy
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
}
