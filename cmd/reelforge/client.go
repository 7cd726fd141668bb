package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"reelforge/internal/session"
)

// apiClient talks to a running reelforge daemon over its HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(addr, token string) *apiClient {
	return &apiClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type submitPayload struct {
	OwnerID     string  `json:"owner_id,omitempty"`
	Prompt      string  `json:"prompt"`
	Framework   string  `json:"framework,omitempty"`
	BrandAsset  string  `json:"brand_asset,omitempty"`
	Interactive bool    `json:"interactive"`
	MaxRefine   int     `json:"max_refine_iterations,omitempty"`
	Concurrency int     `json:"max_concurrency,omitempty"`
	MinScore    float64 `json:"min_clip_score,omitempty"`
}

type submitResult struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Stage     string `json:"stage"`
}

type sessionSummary struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Prompt     string          `json:"prompt"`
	Stage      string          `json:"stage"`
	Mode       string          `json:"mode"`
	Awaiting   bool            `json:"awaiting"`
	Iterations int             `json:"iterations"`
	Outputs    session.Outputs `json:"outputs"`
	Error      string          `json:"error"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func (c *apiClient) Submit(ctx context.Context, payload submitPayload) (submitResult, error) {
	var result submitResult
	err := c.do(ctx, http.MethodPost, "/api/sessions", payload, &result)
	return result, err
}

func (c *apiClient) Sessions(ctx context.Context, stage string) ([]sessionSummary, error) {
	path := "/api/sessions"
	if stage != "" {
		path += "?stage=" + stage
	}
	var sessions []sessionSummary
	err := c.do(ctx, http.MethodGet, path, nil, &sessions)
	return sessions, err
}

func (c *apiClient) Session(ctx context.Context, id string) (sessionSummary, error) {
	var sess sessionSummary
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &sess)
	return sess, err
}

func (c *apiClient) Feedback(ctx context.Context, id, message string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/feedback", map[string]string{"message": message}, nil)
}

func (c *apiClient) Retry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/retry", nil, nil)
}

func (c *apiClient) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w (is the daemon running?)", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
