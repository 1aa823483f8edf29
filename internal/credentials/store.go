package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creator-sync/internal/db"
	"creator-sync/internal/logging"
	"creator-sync/internal/security"
)

var (
	ErrNoCredentials = errors.New("no credentials stored for connection")
)

// Consent scopes granted by the creator. ScopeFull covers engagement data;
// metadata-only grants leave item data subject to forced expiry.
const (
	ScopeFull         = "full"
	ScopeMetadataOnly = "metadata_only"
)

// Grant is the creator's current data-access consent for one connection.
type Grant struct {
	Active    bool
	Scope     string
	UpdatedAt time.Time
}

// CoversContent reports whether items synced under this grant count as
// authorized data (exempt from forced expiry).
func (g Grant) CoversContent() bool {
	return g.Active && g.Scope == ScopeFull
}

// Store keeps provider OAuth access tokens AES-GCM encrypted at rest,
// alongside the consent grant that scopes what those tokens may fetch.
type Store struct {
	db            *db.DB
	log           *slog.Logger
	encryptionKey []byte
}

func NewStore(log *slog.Logger, dbConn *db.DB, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Store{db: dbConn, log: log, encryptionKey: encryptionKey}, nil
}

// SaveAccessToken encrypts and stores the provider token for a connection.
func (s *Store) SaveAccessToken(ctx context.Context, connectionID uuid.UUID, token string) error {
	encrypted, err := security.EncryptSecret(token, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO provider_credentials (connection_id, access_token_encrypted, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (connection_id) DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			updated_at = NOW()`,
		connectionID, encrypted,
	)
	if err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	s.log.Info("access_token_stored", "connection_id", connectionID, "token", logging.MaskSecret(token))
	return nil
}

// AccessToken returns the decrypted provider token. Plaintext lives only in
// memory, never in a log line or a table.
func (s *Store) AccessToken(ctx context.Context, connectionID uuid.UUID) (string, error) {
	var encrypted string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT access_token_encrypted FROM provider_credentials WHERE connection_id = $1`,
		connectionID,
	).Scan(&encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load access token: %w", err)
	}

	token, err := security.DecryptSecret(encrypted, s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return token, nil
}

// Consent returns the connection's current grant. A connection with no
// consent row is treated as never granted.
func (s *Store) Consent(ctx context.Context, connectionID uuid.UUID) (Grant, error) {
	var g Grant
	err := s.db.Pool.QueryRow(ctx,
		`SELECT consent_active, consent_scope, consent_updated_at
		 FROM consent_grants WHERE connection_id = $1`,
		connectionID,
	).Scan(&g.Active, &g.Scope, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{Active: false}, nil
	}
	if err != nil {
		return Grant{}, fmt.Errorf("load consent grant: %w", err)
	}
	return g, nil
}

// RevokeConsent records a consent-revocation event from the authorization
// subsystem. The sync engine sees it at its next safe checkpoint.
func (s *Store) RevokeConsent(ctx context.Context, connectionID uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO consent_grants (connection_id, consent_active, consent_scope, consent_updated_at)
		 VALUES ($1, false, '', NOW())
		 ON CONFLICT (connection_id) DO UPDATE SET
			consent_active = false,
			consent_updated_at = NOW()`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	s.log.Info("consent_revoked", "connection_id", connectionID)
	return nil
}

// ReinstateConsent records a re-granted consent with its scope.
func (s *Store) ReinstateConsent(ctx context.Context, connectionID uuid.UUID, scope string) error {
	if scope != ScopeFull && scope != ScopeMetadataOnly {
		return fmt.Errorf("unknown consent scope %q", scope)
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO consent_grants (connection_id, consent_active, consent_scope, consent_updated_at)
		 VALUES ($1, true, $2, NOW())
		 ON CONFLICT (connection_id) DO UPDATE SET
			consent_active = true,
			consent_scope = EXCLUDED.consent_scope,
			consent_updated_at = NOW()`,
		connectionID, scope,
	)
	if err != nil {
		return fmt.Errorf("reinstate consent: %w", err)
	}
	s.log.Info("consent_reinstated", "connection_id", connectionID, "scope", scope)
	return nil
}
