package handler

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/quizpass/internal/auth"
	"github.com/dukerupert/quizpass/internal/credential"
	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/middleware"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
	"github.com/dukerupert/quizpass/internal/ticket"
)

//go:embed templates/*.html
var templateFS embed.FS

const sessionMaxAge = 90 * 24 * 60 * 60

type AuthHandler struct {
	issuer        *credential.Issuer
	funnels       *store.FunnelSessionStore
	sessionStore  *store.SessionStore
	tickets       *ticket.Signer
	emailLimiter  *middleware.RateLimiter
	afterLoginURL string
	templates     *template.Template
	logger        *slog.Logger
}

func NewAuthHandler(
	issuer *credential.Issuer,
	funnels *store.FunnelSessionStore,
	ss *store.SessionStore,
	tickets *ticket.Signer,
	emailLimiter *middleware.RateLimiter,
	afterLoginURL string,
	logger *slog.Logger,
) *AuthHandler {
	if afterLoginURL == "" {
		afterLoginURL = "/"
	}
	return &AuthHandler{
		issuer:        issuer,
		funnels:       funnels,
		sessionStore:  ss,
		tickets:       tickets,
		emailLimiter:  emailLimiter,
		afterLoginURL: afterLoginURL,
		templates:     template.Must(template.ParseFS(templateFS, "templates/*.html")),
		logger:        logger,
	}
}

// Ready answers the post-checkout poll. 404 means keep polling, 200 carries
// the sign-in token, 410 means the session's credential was already used and
// the client should fall back to email.
func (h *AuthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))

	respond := func(status int, body any) {
		metrics.ReadinessPolls.WithLabelValues(strconv.Itoa(status)).Inc()
		writeJSON(w, status, body)
	}

	if sessionID == "" {
		respond(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}
	if err := h.tickets.Verify(q.Get("ticket"), sessionID); err != nil {
		respond(http.StatusUnauthorized, map[string]string{"error": "invalid ticket"})
		return
	}

	fs, err := h.funnels.Get(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("readiness lookup", "session_id", sessionID, "error", err)
		respond(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if fs == nil || fs.LinkedAccountID == nil {
		respond(http.StatusNotFound, map[string]string{"status": "pending"})
		return
	}

	ml, err := h.issuer.IssueForSession(r.Context(), sessionID, *fs.LinkedAccountID)
	if errors.Is(err, credential.ErrAlreadyConsumed) {
		respond(http.StatusGone, map[string]string{"status": "consumed"})
		return
	}
	if err != nil {
		h.logger.Error("issue session credential", "session_id", sessionID, "error", err)
		respond(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	respond(http.StatusOK, map[string]any{
		"token":      ml.Token,
		"expires_at": ml.ExpiresAt.Format(time.RFC3339),
	})
}

// MagicLink is the email fallback. The response never reveals whether an
// account exists for the address.
func (h *AuthHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	email := model.NormalizeEmail(req.Email)
	if !model.ValidEmail(email) {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	accepted := map[string]string{"status": "check your email"}
	if h.emailLimiter != nil && !h.emailLimiter.Allow(email) {
		h.logger.Warn("magic link request throttled", "email", email)
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}
	if err := h.issuer.RequestLink(r.Context(), email); err != nil {
		h.logger.Error("request magic link", "email", email, "error", err)
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// Verify consumes a magic link and starts a browser session.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		h.renderLinkError(w, http.StatusBadRequest, "This sign-in link is incomplete.")
		return
	}

	account, err := h.issuer.Verify(r.Context(), token)
	var cerr *credential.Error
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case credential.Expired:
			h.renderLinkError(w, http.StatusGone, "This sign-in link has expired. Request a new one.")
		case credential.AlreadyConsumed:
			h.renderLinkError(w, http.StatusGone, "This sign-in link was already used. Request a new one.")
		default:
			h.renderLinkError(w, http.StatusNotFound, "This sign-in link is not valid.")
		}
		return
	}
	if err != nil {
		h.logger.Error("verify magic link", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	sess, err := h.sessionStore.Create(r.Context(), account.ID)
	if err != nil {
		h.logger.Error("create session", "account_id", account.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	h.logger.Info("signed in", "account_id", account.ID)
	http.Redirect(w, r, h.afterLoginURL, http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := auth.SessionID(r.Context()); sessionID != 0 {
		if err := h.sessionStore.Delete(r.Context(), sessionID); err != nil {
			h.logger.Warn("delete session", "session_id", sessionID, "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) renderLinkError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.ExecuteTemplate(w, "link_error.html", map[string]any{"Message": msg}); err != nil {
		h.logger.Error("render link error", "error", err)
	}
}
