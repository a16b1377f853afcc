package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/quizpass/internal/auth"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

type AccountHandler struct {
	accounts      *store.AccountStore
	subscriptions *store.SubscriptionStore
	logger        *slog.Logger
}

func NewAccountHandler(accounts *store.AccountStore, subscriptions *store.SubscriptionStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, subscriptions: subscriptions, logger: logger}
}

// Me returns the signed-in account and its subscription, if any.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get account", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sub, err := h.subscriptions.GetByAccountID(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get subscription", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Account      *model.Account      `json:"account"`
		Subscription *model.Subscription `json:"subscription"`
	}{account, sub})
}
