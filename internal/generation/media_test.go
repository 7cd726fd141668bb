package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"reelforge/internal/config"
)

func mediaServer(t *testing.T, handler http.HandlerFunc) *MediaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewMediaClient(config.Media{APIKey: "test", BaseURL: server.URL}, nil)
}

func TestStartAndPollClip(t *testing.T) {
	client := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/clips":
			var req ClipRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode clip request: %v", err)
			}
			if req.SceneID != "sc1" {
				t.Errorf("scene id = %q", req.SceneID)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-42"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/clips/job-42":
			_ = json.NewEncoder(w).Encode(ClipPoll{Status: JobRunning, Progress: 40})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	jobID, err := client.StartClip(context.Background(), ClipRequest{SceneID: "sc1", Prompt: "runner at dawn"})
	if err != nil {
		t.Fatalf("StartClip: %v", err)
	}
	if jobID != "job-42" {
		t.Fatalf("job id = %q", jobID)
	}

	poll, err := client.PollClip(context.Background(), jobID)
	if err != nil {
		t.Fatalf("PollClip: %v", err)
	}
	if poll.Status != JobRunning || poll.Progress != 40 {
		t.Fatalf("poll = %+v", poll)
	}
	if poll.Terminal() {
		t.Fatal("running job reported terminal")
	}
}

func TestGenerateImageRejectsEmptyAssetURL(t *testing.T) {
	client := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ImageResult{})
	})
	if _, err := client.GenerateImage(context.Background(), ImageRequest{Prompt: "bottle"}); err == nil {
		t.Fatal("empty asset url accepted")
	}
}

func TestAssembleReturnsFinalAsset(t *testing.T) {
	client := mediaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assemblies" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req AssembleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode assemble request: %v", err)
		}
		if len(req.ClipURLs) != 2 {
			t.Errorf("clip urls = %v", req.ClipURLs)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"asset_url": "https://cdn.test/final.mp4"})
	})

	assetURL, err := client.Assemble(context.Background(), AssembleRequest{
		SessionID: "s1",
		ClipURLs:  []string{"https://cdn.test/a.mp4", "https://cdn.test/b.mp4"},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if assetURL != "https://cdn.test/final.mp4" {
		t.Fatalf("asset url = %q", assetURL)
	}
}

func TestMediaClientRequiresBaseURL(t *testing.T) {
	client := NewMediaClient(config.Media{APIKey: "test"}, nil)
	if _, err := client.StartClip(context.Background(), ClipRequest{SceneID: "sc1"}); err == nil {
		t.Fatal("missing base url accepted")
	}
}

func TestIsTransientStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &httpStatusError{StatusCode: http.StatusBadGateway}, true},
		{"rate limit", &httpStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"bad request", &httpStatusError{StatusCode: http.StatusBadRequest}, false},
		{"network failure", errors.New("dial tcp: connection refused"), true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransientStatus(tc.err); got != tc.want {
				t.Fatalf("IsTransientStatus = %v, want %v", got, tc.want)
			}
		})
	}
}
