package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

// CreateSecret inserts a sealed secret. The plaintext never reaches this
// layer — callers seal via pkg/secrets first.
func (s *Store) CreateSecret(ctx context.Context, secret *models.Secret) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (id, org_id, connector_id, name, ciphertext, kek_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		secret.ID, secret.OrgID, secret.ConnectorID, secret.Name,
		secret.Ciphertext, secret.KEKID)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	return nil
}

// GetSecret loads a sealed secret within the org scope.
func (s *Store) GetSecret(ctx context.Context, orgID, connectorID, name string) (*models.Secret, error) {
	var secret models.Secret
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, connector_id, name, ciphertext, kek_id, created_at
		FROM secrets WHERE org_id = $1 AND connector_id = $2 AND name = $3`,
		orgID, connectorID, name).
		Scan(&secret.ID, &secret.OrgID, &secret.ConnectorID, &secret.Name,
			&secret.Ciphertext, &secret.KEKID, &secret.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return &secret, nil
}
