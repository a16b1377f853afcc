package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/quizpass/internal/ids"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

type FunnelHandler struct {
	sessions *store.FunnelSessionStore
	logger   *slog.Logger
}

func NewFunnelHandler(sessions *store.FunnelSessionStore, logger *slog.Logger) *FunnelHandler {
	return &FunnelHandler{sessions: sessions, logger: logger}
}

// Submit records quiz answers. Resubmitting under the same session id
// refreshes the answers until the session is linked to an account.
func (h *FunnelHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string          `json:"session_id"`
		Email       string          `json:"email"`
		QuizAnswers json.RawMessage `json:"quiz_answers"`
		Source      string          `json:"source"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	email := model.NormalizeEmail(req.Email)
	if !model.ValidEmail(email) {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.QuizAnswers) > 0 && !json.Valid(req.QuizAnswers) {
		writeError(w, http.StatusBadRequest, "quiz_answers must be JSON")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = ids.NewSessionID()
	}

	fs, err := h.sessions.Save(r.Context(), &model.FunnelSession{
		SessionID:   sessionID,
		Email:       email,
		QuizAnswers: req.QuizAnswers,
		Source:      req.Source,
	})
	if err != nil {
		h.logger.Error("save funnel session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save quiz")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": fs.SessionID,
		"status":     fs.Status,
	})
}
