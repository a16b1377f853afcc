package checkout

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

// PlaceholderDomain receives placeholder emails. The .invalid TLD can never
// be delivered to.
const PlaceholderDomain = "guest.quizpass.invalid"

// Provisioner creates and rolls back ephemeral identities.
type Provisioner struct {
	identities *store.IdentityStore
	newID      func() string
	logger     *slog.Logger
}

func NewProvisioner(identities *store.IdentityStore, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		identities: identities,
		newID:      uuid.NewString,
		logger:     logger,
	}
}

// PlaceholderEmail derives the placeholder address from an identity id.
func PlaceholderEmail(identityID string) string {
	return "guest+" + identityID + "@" + PlaceholderDomain
}

// Provision writes one ephemeral identity for the session. guestEmail is kept
// as metadata only and need not be unique.
func (p *Provisioner) Provision(ctx context.Context, sessionID, guestEmail string, chars model.CharacterSelections) (*model.EphemeralIdentity, error) {
	id := p.newID()
	ei := &model.EphemeralIdentity{
		ID:               id,
		PlaceholderEmail: PlaceholderEmail(id),
		Metadata: model.IdentityMetadata{
			GuestEmail:          model.NormalizeEmail(guestEmail),
			SessionID:           sessionID,
			CharacterSelections: chars,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.identities.Create(ctx, ei); err != nil {
		return nil, &ProvisioningError{SessionID: sessionID, Err: err}
	}
	p.logger.Debug("ephemeral identity provisioned", "identity_id", id, "session_id", sessionID)
	return ei, nil
}

// Discard deletes the identity. An identity that is already gone counts as
// discarded.
func (p *Provisioner) Discard(ctx context.Context, identityID string) error {
	deleted, err := p.identities.Delete(ctx, identityID)
	if err != nil {
		return err
	}
	if !deleted {
		p.logger.Debug("ephemeral identity already gone", "identity_id", identityID)
	}
	return nil
}
