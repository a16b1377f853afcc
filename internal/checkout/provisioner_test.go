package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupProvisionerTestDB(t *testing.T) (*Provisioner, *store.IdentityStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	identities := store.NewIdentityStore(db)
	return NewProvisioner(identities, testLogger()), identities
}

func TestProvision(t *testing.T) {
	p, identities := setupProvisionerTestDB(t)
	ctx := context.Background()

	chars := model.CharacterSelections{CharacterType: "elf", BodyType: "slim"}
	ei, err := p.Provision(ctx, "sess-1", "A@x.com", chars)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if ei.PlaceholderEmail != PlaceholderEmail(ei.ID) {
		t.Errorf("placeholder = %q, want %q", ei.PlaceholderEmail, PlaceholderEmail(ei.ID))
	}
	if !strings.HasSuffix(ei.PlaceholderEmail, "@"+PlaceholderDomain) {
		t.Errorf("placeholder %q not in %s", ei.PlaceholderEmail, PlaceholderDomain)
	}

	got, err := identities.Get(ctx, ei.ID)
	if err != nil || got == nil {
		t.Fatalf("get identity: %v, %v", got, err)
	}
	if got.Metadata.GuestEmail != "a@x.com" {
		t.Errorf("guest email = %q, want %q", got.Metadata.GuestEmail, "a@x.com")
	}
	if got.Metadata.SessionID != "sess-1" {
		t.Errorf("session = %q, want %q", got.Metadata.SessionID, "sess-1")
	}
	if got.Metadata.CharacterSelections != chars {
		t.Errorf("characters = %+v, want %+v", got.Metadata.CharacterSelections, chars)
	}
}

func TestProvisionSameGuestEmailTwice(t *testing.T) {
	p, _ := setupProvisionerTestDB(t)
	ctx := context.Background()

	a, err := p.Provision(ctx, "sess-1", "a@x.com", model.CharacterSelections{})
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	b, err := p.Provision(ctx, "sess-2", "a@x.com", model.CharacterSelections{})
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if a.PlaceholderEmail == b.PlaceholderEmail {
		t.Error("placeholder emails collided")
	}
}

func TestDiscardIsIdempotent(t *testing.T) {
	p, identities := setupProvisionerTestDB(t)
	ctx := context.Background()

	ei, _ := p.Provision(ctx, "sess-1", "a@x.com", model.CharacterSelections{})
	if err := p.Discard(ctx, ei.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := p.Discard(ctx, ei.ID); err != nil {
		t.Fatalf("second discard: %v", err)
	}
	if err := p.Discard(ctx, "never-existed"); err != nil {
		t.Fatalf("discard unknown: %v", err)
	}
	if got, _ := identities.Get(ctx, ei.ID); got != nil {
		t.Error("identity still present after discard")
	}
}

func TestProvisionStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO ephemeral_identities").WillReturnError(errors.New("disk I/O error"))

	p := NewProvisioner(store.NewIdentityStore(db), testLogger())
	_, err = p.Provision(context.Background(), "sess-1", "a@x.com", model.CharacterSelections{})

	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisioningError", err)
	}
	if perr.SessionID != "sess-1" {
		t.Errorf("session = %q, want %q", perr.SessionID, "sess-1")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
