package websocket

import (
	"context"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// TicketVerifier checks that the caller started the session's checkout.
type TicketVerifier interface {
	Verify(token, sessionID string) error
}

// LinkChecker reports whether a funnel session already has an account.
type LinkChecker interface {
	IsLinked(ctx context.Context, sessionID string) (bool, error)
}

// HandleReady upgrades GET /ws/ready?session_id=&ticket= and pushes
// account_ready once the session is reconciled.
func HandleReady(hub *Hub, tickets TicketVerifier, links LinkChecker, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		if err := tickets.Verify(r.URL.Query().Get("ticket"), sessionID); err != nil {
			http.Error(w, "invalid ticket", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		client := NewClient(hub, conn, sessionID)
		hub.Register(client)
		logger.Debug("tab waiting", "session_id", sessionID, "tabs", hub.ClientCount(sessionID))

		// The completion may have been reconciled before the tab connected.
		linked, err := links.IsLinked(r.Context(), sessionID)
		if err != nil {
			logger.Warn("check funnel session link failed", "session_id", sessionID, "error", err)
		} else if linked {
			hub.Notify(client)
		}

		client.Run(r.Context(), MaxWait)
	}
}
