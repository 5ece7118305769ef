package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIClient talks to a running monitor's admin API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new admin API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) post(path string) error {
	resp, err := c.client.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

// GetStatus fetches the pool status.
func (c *APIClient) GetStatus() (any, error) {
	var result any
	if err := c.get("/status", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetEvents fetches the most recent lifecycle events.
func (c *APIClient) GetEvents(limit int) (any, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result any
	if err := c.get(path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Promote asks the monitor to run a promotion round now.
func (c *APIClient) Promote() error {
	return c.post("/promote")
}

// Stop asks the monitor to drain the pool and exit.
func (c *APIClient) Stop() error {
	return c.post("/stop")
}
