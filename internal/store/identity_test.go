package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/model"
)

func setupIdentityTestDB(t *testing.T) (*IdentityStore, *SubscriptionStore, *AccountStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewIdentityStore(db), NewSubscriptionStore(db), NewAccountStore(db)
}

func newTestIdentity(id string, createdAt time.Time) *model.EphemeralIdentity {
	return &model.EphemeralIdentity{
		ID:               id,
		PlaceholderEmail: "guest+" + id + "@guest.test",
		Metadata: model.IdentityMetadata{
			GuestEmail:          "a@x.com",
			SessionID:           "sess-1",
			CharacterSelections: model.CharacterSelections{CharacterType: "elf"},
		},
		CreatedAt: createdAt,
	}
}

func TestIdentityCreateAndGet(t *testing.T) {
	is, _, _ := setupIdentityTestDB(t)
	ctx := context.Background()

	if err := is.Create(ctx, newTestIdentity("tmp-1", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := is.Get(ctx, "tmp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected identity, got nil")
	}
	if got.Metadata.GuestEmail != "a@x.com" {
		t.Errorf("guest email = %q, want %q", got.Metadata.GuestEmail, "a@x.com")
	}
	if got.Metadata.CharacterSelections.CharacterType != "elf" {
		t.Errorf("character type = %q, want %q", got.Metadata.CharacterSelections.CharacterType, "elf")
	}
}

func TestIdentityDuplicatePlaceholder(t *testing.T) {
	is, _, _ := setupIdentityTestDB(t)
	ctx := context.Background()

	first := newTestIdentity("tmp-1", time.Now().UTC())
	is.Create(ctx, first)
	second := newTestIdentity("tmp-2", time.Now().UTC())
	second.PlaceholderEmail = first.PlaceholderEmail
	if err := is.Create(ctx, second); err == nil {
		t.Error("expected error for duplicate placeholder email")
	}
}

func TestIdentityDeleteIdempotent(t *testing.T) {
	is, _, _ := setupIdentityTestDB(t)
	ctx := context.Background()

	is.Create(ctx, newTestIdentity("tmp-1", time.Now().UTC()))

	deleted, err := is.Delete(ctx, "tmp-1")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = is.Delete(ctx, "tmp-1")
	if err != nil || deleted {
		t.Fatalf("second delete = %v, %v; want false, nil", deleted, err)
	}
}

func TestIdentityDeleteReferencedFails(t *testing.T) {
	is, ss, _ := setupIdentityTestDB(t)
	ctx := context.Background()

	is.Create(ctx, newTestIdentity("tmp-1", time.Now().UTC()))
	if err := ss.EnsurePlaceholder(ctx, "sub_1", "tmp-1", "monthly"); err != nil {
		t.Fatalf("placeholder: %v", err)
	}

	if _, err := is.Delete(ctx, "tmp-1"); err == nil {
		t.Error("expected foreign key error deleting a referenced identity")
	}
}

func TestIdentityDeleteOrphans(t *testing.T) {
	is, ss, _ := setupIdentityTestDB(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	is.Create(ctx, newTestIdentity("old-orphan", old))
	is.Create(ctx, newTestIdentity("old-referenced", old))
	is.Create(ctx, newTestIdentity("fresh", time.Now().UTC()))
	ss.EnsurePlaceholder(ctx, "sub_1", "old-referenced", "monthly")

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	n, err := is.DeleteOrphans(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete orphans: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if got, _ := is.Get(ctx, "old-orphan"); got != nil {
		t.Error("old orphan should be gone")
	}
	if got, _ := is.Get(ctx, "fresh"); got == nil {
		t.Error("fresh identity should remain")
	}

	stranded, err := is.CountStranded(ctx, cutoff)
	if err != nil {
		t.Fatalf("count stranded: %v", err)
	}
	if stranded != 1 {
		t.Errorf("stranded = %d, want 1", stranded)
	}
}
