package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

type fakeGateway struct {
	mu    sync.Mutex
	reqs  []SessionRequest
	err   error
	plans map[string]bool
}

func (g *fakeGateway) SupportsPlan(plan string) bool {
	if g.plans == nil {
		return plan == "monthly"
	}
	return g.plans[plan]
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &PaymentSession{Token: "cs_test_1", URL: "https://pay.example/cs_test_1"}, nil
}

type serviceFixture struct {
	svc        *Service
	gateway    *fakeGateway
	sessions   *store.FunnelSessionStore
	identities *store.IdentityStore
	accounts   *store.AccountStore
	prov       *Provisioner
}

func setupServiceTestDB(t *testing.T) *serviceFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &serviceFixture{
		gateway:    &fakeGateway{},
		sessions:   store.NewFunnelSessionStore(db),
		identities: store.NewIdentityStore(db),
		accounts:   store.NewAccountStore(db),
	}
	f.prov = NewProvisioner(f.identities, testLogger())
	f.svc = NewService(f.prov, NewInitiator(f.gateway), f.sessions, f.accounts, testLogger())
	return f
}

func (f *serviceFixture) funnel(t *testing.T, id, email string) {
	t.Helper()
	_, err := f.sessions.Save(context.Background(), &model.FunnelSession{SessionID: id, Email: email, Source: "quiz"})
	if err != nil {
		t.Fatalf("save funnel session: %v", err)
	}
}

func TestStartGuest(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	f.funnel(t, "sess-1", "a@x.com")

	res, err := f.svc.StartGuest(ctx, GuestRequest{
		SessionID:  "sess-1",
		Plan:       "monthly",
		ReturnURL:  "https://quiz.example/done",
		Characters: model.CharacterSelections{CharacterType: "elf"},
	})
	if err != nil {
		t.Fatalf("start guest: %v", err)
	}
	if res.Payment.Token != "cs_test_1" {
		t.Errorf("token = %q, want cs_test_1", res.Payment.Token)
	}

	if len(f.gateway.reqs) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(f.gateway.reqs))
	}
	req := f.gateway.reqs[0]
	if req.AccountRef != res.IdentityID {
		t.Errorf("account ref = %q, want identity %q", req.AccountRef, res.IdentityID)
	}
	c, err := model.ParseMetadata(req.Metadata)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	g, ok := c.(model.GuestCheckout)
	if !ok {
		t.Fatalf("metadata parsed as %T, want GuestCheckout", c)
	}
	if g.Email != "a@x.com" || g.SessionID != "sess-1" || g.Source != "quiz" {
		t.Errorf("metadata = %+v", g)
	}
	if g.IdentityID != res.IdentityID {
		t.Errorf("temp identity = %q, want %q", g.IdentityID, res.IdentityID)
	}

	ei, _ := f.identities.Get(ctx, res.IdentityID)
	if ei == nil {
		t.Fatal("identity not persisted")
	}
	fs, _ := f.sessions.Get(ctx, "sess-1")
	if fs.Status != model.FunnelCheckoutStarted {
		t.Errorf("status = %q, want %q", fs.Status, model.FunnelCheckoutStarted)
	}
}

func TestStartGuestGatewayFailureRollsBack(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	f.funnel(t, "sess-1", "a@x.com")
	f.gateway.err = errors.New("stripe unavailable")

	_, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "sess-1", Plan: "monthly"})
	var uerr *UpstreamProviderError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *UpstreamProviderError", err)
	}

	ref := f.gateway.reqs[0].AccountRef
	if ei, _ := f.identities.Get(ctx, ref); ei != nil {
		t.Errorf("identity %s survived rollback", ref)
	}
}

func TestStartGuestProvisioningFailureSkipsGateway(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	f.funnel(t, "sess-1", "a@x.com")

	if err := f.identities.Create(ctx, &model.EphemeralIdentity{ID: "dup", PlaceholderEmail: PlaceholderEmail("dup")}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	f.prov.newID = func() string { return "dup" }

	_, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "sess-1", Plan: "monthly"})
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisioningError", err)
	}
	if len(f.gateway.reqs) != 0 {
		t.Errorf("gateway calls = %d, want 0", len(f.gateway.reqs))
	}
}

func TestStartGuestValidation(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	f.funnel(t, "sess-1", "")

	if _, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "missing", Plan: "monthly"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("unknown session err = %v, want ErrUnknownSession", err)
	}
	if _, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "sess-1", Plan: "lifetime"}); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("unknown plan err = %v, want ErrUnknownPlan", err)
	}
	if _, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "sess-1", Plan: "monthly"}); !errors.Is(err, model.ErrInvalidEmail) {
		t.Errorf("missing email err = %v, want ErrInvalidEmail", err)
	}
	if len(f.gateway.reqs) != 0 {
		t.Errorf("gateway calls = %d, want 0", len(f.gateway.reqs))
	}
}

func TestStartGuestAlreadyLinked(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	f.funnel(t, "sess-1", "a@x.com")
	a, _ := f.accounts.Create(ctx, store.AccountParams{Email: "a@x.com"})
	if err := f.sessions.Link(ctx, "sess-1", a.ID); err != nil {
		t.Fatalf("link: %v", err)
	}

	_, err := f.svc.StartGuest(ctx, GuestRequest{SessionID: "sess-1", Plan: "monthly"})
	if !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("err = %v, want ErrAlreadyLinked", err)
	}
}

func TestStartAuthenticated(t *testing.T) {
	f := setupServiceTestDB(t)
	ctx := context.Background()
	a, _ := f.accounts.Create(ctx, store.AccountParams{Email: "b@x.com"})
	if err := f.accounts.SetStripeCustomerID(ctx, a.ID, "cus_1"); err != nil {
		t.Fatalf("set customer: %v", err)
	}

	if _, err := f.svc.StartAuthenticated(ctx, AuthenticatedRequest{AccountID: a.ID, Plan: "monthly"}); err != nil {
		t.Fatalf("start authenticated: %v", err)
	}
	req := f.gateway.reqs[0]
	if req.CustomerRef != "cus_1" {
		t.Errorf("customer = %q, want cus_1", req.CustomerRef)
	}
	c, err := model.ParseMetadata(req.Metadata)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if ac, ok := c.(model.AuthenticatedCheckout); !ok || ac.AccountID != a.ID {
		t.Errorf("metadata = %#v, want authenticated checkout for %d", c, a.ID)
	}

	if _, err := f.svc.StartAuthenticated(ctx, AuthenticatedRequest{AccountID: 999, Plan: "monthly"}); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("unknown account err = %v, want ErrUnknownAccount", err)
	}
}
