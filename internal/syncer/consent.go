package syncer

import (
	"context"

	"github.com/google/uuid"

	"creator-sync/internal/credentials"
)

// GrantWriter persists consent grant changes.
type GrantWriter interface {
	RevokeConsent(ctx context.Context, connectionID uuid.UUID) error
	ReinstateConsent(ctx context.Context, connectionID uuid.UUID, scope string) error
}

// ConsentManager couples the durable grant record with the connection state
// change it implies. Admin consent operations go through here so the two
// writes never drift apart.
type ConsentManager struct {
	grants   GrantWriter
	listener *ConsentListener
}

func NewConsentManager(grants GrantWriter, listener *ConsentListener) *ConsentManager {
	return &ConsentManager{grants: grants, listener: listener}
}

func (m *ConsentManager) OnRevoked(ctx context.Context, connectionID uuid.UUID) error {
	if err := m.listener.OnRevoked(ctx, connectionID); err != nil {
		return err
	}
	return m.grants.RevokeConsent(ctx, connectionID)
}

func (m *ConsentManager) OnReinstated(ctx context.Context, connectionID uuid.UUID) error {
	if err := m.grants.ReinstateConsent(ctx, connectionID, credentials.ScopeFull); err != nil {
		return err
	}
	return m.listener.OnReinstated(ctx, connectionID)
}
