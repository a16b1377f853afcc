package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/quizpass/internal/checkout"
	"github.com/dukerupert/quizpass/internal/credential"
	"github.com/dukerupert/quizpass/internal/handler"
	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/middleware"
	"github.com/dukerupert/quizpass/internal/reconcile"
	"github.com/dukerupert/quizpass/internal/store"
	qstripe "github.com/dukerupert/quizpass/internal/stripe"
	"github.com/dukerupert/quizpass/internal/ticket"
	ws "github.com/dukerupert/quizpass/internal/websocket"
)

type Config struct {
	Stripe       qstripe.Config
	BaseURL      string
	TicketSecret string
	// Mailer may be nil; links are then only logged.
	Mailer         credential.Mailer
	OrphanTTL      time.Duration
	// Zero keeps the package defaults.
	LinkLifetime   time.Duration
	TicketTTL      time.Duration
	AfterLoginURL  string
	OriginPatterns []string
}

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	funnelH      *handler.FunnelHandler
	checkoutH    *handler.CheckoutHandler
	webhookH     *handler.WebhookHandler
	authH        *handler.AuthHandler
	accountH     *handler.AccountHandler
	tickets      *ticket.Signer
	accounts     *store.AccountStore
	funnels      *store.FunnelSessionStore
	sessionStore *store.SessionStore
	sweeper      *reconcile.Sweeper
	ipLimiter    *middleware.RateLimiter
	emailLimiter *middleware.RateLimiter
	cfg          Config
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	var ticketOpts []ticket.Option
	if cfg.TicketTTL > 0 {
		ticketOpts = append(ticketOpts, ticket.WithTTL(cfg.TicketTTL))
	}
	tickets, err := ticket.NewSigner(cfg.TicketSecret, ticketOpts...)
	if err != nil {
		return nil, fmt.Errorf("poll tickets: %w", err)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	accountStore := store.NewAccountStore(db)
	subscriptionStore := store.NewSubscriptionStore(db)
	funnelStore := store.NewFunnelSessionStore(db)
	identityStore := store.NewIdentityStore(db)
	magicLinkStore := store.NewMagicLinkStore(db)
	requestStore := store.NewMagicLinkRequestStore(db)
	sessionStore := store.NewSessionStore(db)

	var issuerOpts []credential.Option
	if cfg.LinkLifetime > 0 {
		issuerOpts = append(issuerOpts, credential.WithLifetime(cfg.LinkLifetime))
	}
	issuer := credential.NewIssuer(magicLinkStore, accountStore, requestStore, cfg.Mailer,
		logger.With("component", "credential"), issuerOpts...)

	if cfg.Stripe.CancelURL == "" {
		cfg.Stripe.CancelURL = cfg.BaseURL + "/"
	}
	stripeClient := qstripe.NewClient(cfg.Stripe)

	checkoutSvc := checkout.NewService(
		checkout.NewProvisioner(identityStore, logger.With("component", "provisioner")),
		checkout.NewInitiator(stripeClient),
		funnelStore, accountStore,
		logger.With("component", "checkout"),
	)
	reconciler := reconcile.NewReconciler(accountStore, subscriptionStore, funnelStore, identityStore,
		hub, issuer, logger.With("component", "reconcile"))

	ipLimiter := middleware.NewRateLimiter(6*time.Second, 10)
	emailLimiter := middleware.NewRateLimiter(5*time.Minute, 3)

	return &Server{
		db:           db,
		hub:          hub,
		funnelH:      handler.NewFunnelHandler(funnelStore, logger.With("component", "funnel")),
		checkoutH:    handler.NewCheckoutHandler(checkoutSvc, tickets, logger.With("component", "checkout")),
		webhookH:     handler.NewWebhookHandler(stripeClient, reconciler, logger.With("component", "webhook")),
		authH:        handler.NewAuthHandler(issuer, funnelStore, sessionStore, tickets, emailLimiter, cfg.AfterLoginURL, logger.With("component", "auth")),
		accountH:     handler.NewAccountHandler(accountStore, subscriptionStore, logger.With("component", "account")),
		tickets:      tickets,
		accounts:     accountStore,
		funnels:      funnelStore,
		sessionStore: sessionStore,
		sweeper: reconcile.NewSweeper(identityStore, magicLinkStore, sessionStore, requestStore,
			cfg.OrphanTTL, logger.With("component", "sweeper")),
		ipLimiter:    ipLimiter,
		emailLimiter: emailLimiter,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// Sweeper returns the housekeeping sweeper for the background ticker.
func (s *Server) Sweeper() *reconcile.Sweeper {
	return s.sweeper
}

// RefreshGauges updates metrics that are sampled from the database.
func (s *Server) RefreshGauges(ctx context.Context) error {
	n, err := s.accounts.Count(ctx)
	if err != nil {
		return err
	}
	metrics.Accounts.Set(float64(n))
	return nil
}

// CleanupLimiters forgets rate limit keys idle for longer than maxIdle.
func (s *Server) CleanupLimiters(maxIdle time.Duration) {
	s.ipLimiter.Cleanup(maxIdle)
	s.emailLimiter.Cleanup(maxIdle)
	s.logger.Debug("rate limiter keys", "ip", s.ipLimiter.Len(), "email", s.emailLimiter.Len())
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.Instrument(pattern, h))
	}
	requireSession := middleware.RequireSession(s.sessionStore)
	optionalSession := middleware.OptionalSession(s.sessionStore)

	handle("GET /health", handler.Health(s.db))
	mux.Handle("GET /metrics", metrics.Handler())

	// Funnel and checkout
	handle("POST /api/funnel", s.rateLimited(s.funnelH.Submit))
	handle("POST /api/checkout", optionalSession(s.rateLimited(s.checkoutH.Start)))
	handle("POST /webhooks/stripe", http.HandlerFunc(s.webhookH.HandleStripe))

	// Readiness
	handle("GET /api/auth/ready", http.HandlerFunc(s.authH.Ready))
	handle("GET /ws/ready", ws.HandleReady(s.hub, s.tickets, s.funnels, s.cfg.OriginPatterns,
		s.logger.With("component", "websocket")))

	// Sign-in
	handle("POST /api/auth/magic-link", s.rateLimited(s.authH.MagicLink))
	handle("GET /auth/verify", http.HandlerFunc(s.authH.Verify))
	handle("POST /logout", requireSession(http.HandlerFunc(s.authH.Logout)))
	handle("GET /api/account", requireSession(http.HandlerFunc(s.accountH.Me)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.ipLimiter, middleware.RealIP)(h)
}
