package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reelforge/internal/config"
)

// MediaClient talks to the media synthesis service: synchronous reference
// images, asynchronous clip jobs, quality scoring, and final assembly.
// One client covers all four endpoints since they share a host and key.
type MediaClient struct {
	cfg        config.Media
	httpClient *http.Client
}

// NewMediaClient constructs a media client using the supplied configuration.
func NewMediaClient(cfg config.Media, httpClient *http.Client) *MediaClient {
	timeout := 2 * time.Minute
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &MediaClient{cfg: cfg, httpClient: httpClient}
}

// GenerateImage synthesizes one reference image.
func (c *MediaClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	var result ImageResult
	if err := c.postJSON(ctx, "/v1/images", req, &result); err != nil {
		return ImageResult{}, fmt.Errorf("generate image: %w", err)
	}
	if strings.TrimSpace(result.AssetURL) == "" {
		return ImageResult{}, errors.New("generate image: empty asset url")
	}
	return result, nil
}

// StartClip dispatches a video clip job and returns its job identifier.
func (c *MediaClient) StartClip(ctx context.Context, req ClipRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.postJSON(ctx, "/v1/clips", req, &resp); err != nil {
		return "", fmt.Errorf("start clip: %w", err)
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", errors.New("start clip: empty job id")
	}
	return resp.JobID, nil
}

// PollClip reports the current progress of a clip job.
func (c *MediaClient) PollClip(ctx context.Context, jobID string) (ClipPoll, error) {
	var poll ClipPoll
	if err := c.getJSON(ctx, "/v1/clips/"+url.PathEscape(jobID), &poll); err != nil {
		return ClipPoll{}, fmt.Errorf("poll clip %s: %w", jobID, err)
	}
	return poll, nil
}

// ScoreAsset requests a quality measurement for a finished asset.
func (c *MediaClient) ScoreAsset(ctx context.Context, assetURL string) (ScoreResult, error) {
	var result ScoreResult
	payload := struct {
		AssetURL string `json:"asset_url"`
	}{AssetURL: assetURL}
	if err := c.postJSON(ctx, "/v1/scores", payload, &result); err != nil {
		return ScoreResult{}, fmt.Errorf("score asset: %w", err)
	}
	return result, nil
}

// Assemble stitches the successful clips into the final advertisement.
func (c *MediaClient) Assemble(ctx context.Context, req AssembleRequest) (string, error) {
	var resp struct {
		AssetURL string `json:"asset_url"`
	}
	if err := c.postJSON(ctx, "/v1/assemblies", req, &resp); err != nil {
		return "", fmt.Errorf("assemble: %w", err)
	}
	if strings.TrimSpace(resp.AssetURL) == "" {
		return "", errors.New("assemble: empty asset url")
	}
	return resp.AssetURL, nil
}

func (c *MediaClient) postJSON(ctx context.Context, path string, payload, target any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, target)
}

func (c *MediaClient) getJSON(ctx context.Context, path string, target any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *MediaClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return nil, errors.New("media base url not configured")
	}
	endpoint, err := url.JoinPath(base, path)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *MediaClient) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsTransientStatus reports whether a media service error is worth retrying.
func IsTransientStatus(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= http.StatusInternalServerError
	}
	// Network-level failures (no HTTP status) are treated as transient.
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
