package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"reelforge/internal/channel"
	"reelforge/internal/logging"
	"reelforge/internal/orchestrator"
	"reelforge/internal/services"
	"reelforge/internal/session"
)

type submitRequest struct {
	OwnerID     string `json:"owner_id"`
	Prompt      string `json:"prompt"`
	Framework   string `json:"framework,omitempty"`
	BrandAsset  string `json:"brand_asset,omitempty"`
	Interactive bool   `json:"interactive"`

	MaxConcurrency      int     `json:"max_concurrency,omitempty"`
	MaxRefineIterations int     `json:"max_refine_iterations,omitempty"`
	MinClipScore        float64 `json:"min_clip_score,omitempty"`
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Stage     string `json:"stage"`
}

type feedbackRequest struct {
	Message string `json:"message"`
}

type sessionView struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Prompt     string          `json:"prompt"`
	Stage      string          `json:"stage"`
	Mode       string          `json:"mode"`
	Awaiting   bool            `json:"awaiting"`
	Iterations int             `json:"iterations"`
	Outputs    session.Outputs `json:"outputs"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func (d *Daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(d.requestID)
	r.Use(d.authenticate)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", d.handleSubmit)
			r.Get("/", d.handleList)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", d.handleSnapshot)
				r.Post("/feedback", d.handleFeedback)
				r.Post("/retry", d.handleRetry)
				r.Get("/channel", d.handleChannel)
			})
		})
	})
	return r
}

func (d *Daemon) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate enforces the bearer token when one is configured. The
// channel endpoint also accepts the token as a query parameter since
// browser websocket clients cannot set headers.
func (d *Daemon) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := d.cfg.Paths.APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if provided == "" {
			provided = r.URL.Query().Get("token")
		}
		if provided != token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID, err := d.orch.Submit(r.Context(), orchestrator.Request{
		OwnerID:     req.OwnerID,
		Prompt:      req.Prompt,
		Framework:   req.Framework,
		BrandAsset:  req.BrandAsset,
		Interactive: req.Interactive,
		Overrides: orchestrator.Overrides{
			MaxConcurrency:      req.MaxConcurrency,
			MaxRefineIterations: req.MaxRefineIterations,
			MinClipScore:        req.MinClipScore,
		},
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID: sessionID,
		Channel:   "/api/sessions/" + sessionID + "/channel",
		Stage:     string(session.StagePending),
	})
}

func (d *Daemon) handleList(w http.ResponseWriter, r *http.Request) {
	var stages []session.Stage
	if raw := r.URL.Query().Get("stage"); raw != "" {
		parsed, ok := session.ParseStage(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown stage")
			return
		}
		stages = append(stages, parsed)
	}

	sessions, err := d.store.List(r.Context(), stages...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func (d *Daemon) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, err := d.store.LoadSnapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (d *Daemon) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.orch.HandleFeedback(r.Context(), chi.URLParam(r, "sessionID"), req.Message); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (d *Daemon) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := d.orch.RetryClips(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (d *Daemon) handleChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := d.store.LoadSnapshot(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := channel.Upgrade(w, r)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	// The request context ends with this handler; the channel's read loop
	// outlives it.
	if err := d.hub.Attach(context.WithoutCancel(r.Context()), sessionID, conn); err != nil {
		d.logger.Warn("channel attach failed",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Error(err))
		_ = conn.Close()
	}
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := d.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byStage := make(map[string]int, len(stats))
	for stage, count := range stats {
		byStage[string(stage)] = count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": byStage,
		"store":    d.store.Path(),
	})
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:         sess.ID,
		OwnerID:    sess.OwnerID,
		Prompt:     sess.Prompt,
		Stage:      string(sess.Stage),
		Mode:       string(sess.Mode),
		Awaiting:   sess.Awaiting,
		Iterations: sess.Iterations,
		Outputs:    sess.Outputs,
		Error:      sess.Error,
		CreatedAt:  sess.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:  sess.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrTransient):
		status = http.StatusConflict
	case errors.Is(err, services.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, services.Details(err).Message)
}
