package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/quizpass/internal/auth"
	"github.com/dukerupert/quizpass/internal/checkout"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/ticket"
)

type CheckoutHandler struct {
	service *checkout.Service
	tickets *ticket.Signer
	logger  *slog.Logger
}

func NewCheckoutHandler(service *checkout.Service, tickets *ticket.Signer, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{service: service, tickets: tickets, logger: logger}
}

type checkoutRequest struct {
	SessionID     string `json:"session_id"`
	Email         string `json:"email"`
	Source        string `json:"source"`
	Plan          string `json:"plan"`
	ReturnURL     string `json:"return_url"`
	CharacterType string `json:"character_type"`
	BodyType      string `json:"body_type"`
}

type checkoutResponse struct {
	CheckoutToken string `json:"checkout_token"`
	URL           string `json:"url"`
	SessionID     string `json:"session_id,omitempty"`
	PollTicket    string `json:"poll_ticket,omitempty"`
}

// Start opens a payment session. Signed-in callers get an authenticated
// checkout; everyone else goes through guest provisioning.
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Plan = strings.TrimSpace(req.Plan)
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}
	chars := model.CharacterSelections{CharacterType: req.CharacterType, BodyType: req.BodyType}

	var (
		res *checkout.Result
		err error
	)
	if accountID := auth.AccountID(r.Context()); accountID != 0 {
		res, err = h.service.StartAuthenticated(r.Context(), checkout.AuthenticatedRequest{
			AccountID:  accountID,
			SessionID:  req.SessionID,
			Source:     req.Source,
			Plan:       req.Plan,
			ReturnURL:  req.ReturnURL,
			Characters: chars,
		})
	} else {
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		res, err = h.service.StartGuest(r.Context(), checkout.GuestRequest{
			SessionID:  req.SessionID,
			Email:      req.Email,
			Source:     req.Source,
			Plan:       req.Plan,
			ReturnURL:  req.ReturnURL,
			Characters: chars,
		})
	}
	if err != nil {
		h.writeCheckoutError(w, req.SessionID, err)
		return
	}

	resp := checkoutResponse{
		CheckoutToken: res.Payment.Token,
		URL:           res.Payment.URL,
		SessionID:     res.SessionID,
	}
	if res.SessionID != "" {
		t, err := h.tickets.Issue(res.SessionID)
		if err != nil {
			// The payment session is already open; the client can still use
			// the emailed fallback.
			h.logger.Error("issue poll ticket", "session_id", res.SessionID, "error", err)
		}
		resp.PollTicket = t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CheckoutHandler) writeCheckoutError(w http.ResponseWriter, sessionID string, err error) {
	var perr *checkout.ProvisioningError
	var uerr *checkout.UpstreamProviderError
	switch {
	case errors.Is(err, checkout.ErrUnknownSession):
		writeError(w, http.StatusBadRequest, "unknown session")
	case errors.Is(err, checkout.ErrUnknownPlan):
		writeError(w, http.StatusBadRequest, "unknown plan")
	case errors.Is(err, model.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "a valid email is required")
	case errors.Is(err, checkout.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "this quiz already has an account, please sign in")
	case errors.Is(err, checkout.ErrUnknownAccount):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &perr), errors.As(err, &uerr):
		h.logger.Error("checkout failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusBadGateway, "checkout is unavailable, please try again")
	default:
		h.logger.Error("checkout failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "checkout is unavailable, please try again")
	}
}
