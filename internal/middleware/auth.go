package middleware

import (
	"net/http"

	"github.com/dukerupert/quizpass/internal/auth"
	"github.com/dukerupert/quizpass/internal/store"
)

// SessionCookieName is the browser session cookie set after a magic link is
// consumed.
const SessionCookieName = "quizpass_session"

// RequireSession rejects requests without a valid session cookie and
// populates AuthContext otherwise.
func RequireSession(sessions *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := lookupSession(r, sessions)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// OptionalSession populates AuthContext when a valid session cookie is
// present and lets anonymous requests through unchanged.
func OptionalSession(sessions *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ac, ok := lookupSession(r, sessions); ok {
				r = r.WithContext(auth.WithAuth(r.Context(), ac))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func lookupSession(r *http.Request, sessions *store.SessionStore) (auth.AuthContext, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return auth.AuthContext{}, false
	}
	sess, err := sessions.GetByToken(r.Context(), cookie.Value)
	if err != nil || sess == nil {
		return auth.AuthContext{}, false
	}
	return auth.AuthContext{AccountID: sess.AccountID, SessionID: sess.ID}, true
}
