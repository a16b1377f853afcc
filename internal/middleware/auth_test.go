package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/quizpass/internal/auth"
	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/store"
)

func setupAuthMiddlewareDB(t *testing.T) (*store.SessionStore, *store.AccountStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewSessionStore(db), store.NewAccountStore(db)
}

func TestRequireSessionNoCookie(t *testing.T) {
	ss, _ := setupAuthMiddlewareDB(t)

	handler := RequireSession(ss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireSessionInvalidToken(t *testing.T) {
	ss, _ := setupAuthMiddlewareDB(t)

	handler := RequireSession(ss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "invalid-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireSessionValid(t *testing.T) {
	ss, as := setupAuthMiddlewareDB(t)
	ctx := context.Background()
	a, _ := as.Create(ctx, store.AccountParams{Email: "a@x.com"})
	sess, err := ss.Create(ctx, a.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var gotAccount int64
	handler := RequireSession(ss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = auth.AccountID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.Token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotAccount != a.ID {
		t.Errorf("account id = %d, want %d", gotAccount, a.ID)
	}
}

func TestOptionalSessionAnonymous(t *testing.T) {
	ss, _ := setupAuthMiddlewareDB(t)

	reached := false
	handler := OptionalSession(ss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if _, ok := auth.FromContext(r.Context()); ok {
			t.Error("anonymous request got an auth context")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "stale"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !reached {
		t.Error("handler not reached")
	}
}
