package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the engine API HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	verbose    bool
}

// NewClient creates a new engine API client.
func NewClient(baseURL, apiKey string, verbose bool) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		verbose: verbose,
	}
}

// Do performs an HTTP request and returns the response body.
func (c *Client) Do(method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(context.Background(), method, url, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.verbose {
		fmt.Printf(">>> %s %s\n", method, url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if c.verbose {
		fmt.Printf("<<< %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, parseAPIError(resp.StatusCode, respBody)
	}

	return respBody, resp.StatusCode, nil
}

// Get performs a GET request.
func (c *Client) Get(path string) ([]byte, error) {
	data, _, err := c.Do(http.MethodGet, path, nil)
	return data, err
}

// Post performs a POST request.
func (c *Client) Post(path string, body any) ([]byte, error) {
	data, _, err := c.Do(http.MethodPost, path, body)
	return data, err
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string) ([]byte, error) {
	data, _, err := c.Do(http.MethodDelete, path, nil)
	return data, err
}

// APIError represents an error from the engine API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}

	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	}

	if apiErr.Message == "" {
		switch statusCode {
		case 401:
			apiErr.Message = "unauthorized: invalid or missing API key"
		case 404:
			apiErr.Message = "resource not found"
		case 409:
			apiErr.Message = "conflict: run is not active"
		default:
			apiErr.Message = fmt.Sprintf("API error: %d %s", statusCode, http.StatusText(statusCode))
		}
	}

	return apiErr
}

// Response types matching server handler structs.

type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

type JobResponse struct {
	ID          string  `json:"id"`
	Stage       string  `json:"stage"`
	Wave        int     `json:"wave"`
	Status      string  `json:"status"`
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	Error       string  `json:"error,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

type RunResponse struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	Targets     []string      `json:"targets"`
	Waves       [][]string    `json:"waves"`
	CurrentWave int           `json:"current_wave"`
	Stats       Stats         `json:"stats"`
	Jobs        []JobResponse `json:"jobs"`
	CreatedAt   string        `json:"created_at"`
	StartedAt   *string       `json:"started_at,omitempty"`
	FinishedAt  *string       `json:"finished_at,omitempty"`
}

type RunListResponse struct {
	Data   []RunResponse `json:"data"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type ChunkResponse struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Timestamp string `json:"timestamp"`
}

type ChunkListResponse struct {
	Data  []ChunkResponse `json:"data"`
	Count int             `json:"count"`
	Limit int             `json:"limit"`
}

type StageResponse struct {
	Name               string   `json:"name"`
	DependsOn          []string `json:"depends_on,omitempty"`
	StandaloneEligible bool     `json:"standalone_eligible"`
	Tools              []string `json:"tools"`
	DefaultTool        string   `json:"default_tool"`
}

type StageListResponse struct {
	Data  []StageResponse `json:"data"`
	Count int             `json:"count"`
}
