package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vespid-ai/vespid/pkg/models"
)

// CreateOrganization inserts an organization. Slug collisions return
// ErrDuplicate.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (id, slug, name) VALUES ($1, $2, $3)`,
		org.ID, org.Slug, org.Name)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert organization: %w", err)
	}
	return nil
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	var org models.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, created_at FROM organizations WHERE id = $1`,
		orgID).Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	return &org, nil
}

// GetOrgSettings loads the org's policy toggles; absent settings yield the
// restrictive defaults.
func (s *Store) GetOrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error) {
	settings := &models.OrgSettings{OrgID: orgID}
	err := s.pool.QueryRow(ctx, `
		SELECT shell_run_enabled, managed_credits
		FROM org_settings WHERE org_id = $1`,
		orgID).Scan(&settings.ShellRunEnabled, &settings.ManagedCredits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to load org settings: %w", err)
	}
	return settings, nil
}

// ChargeCredits deducts amount from the org's managed credit balance.
// Returns ErrConflict when the balance is insufficient; unmetered orgs
// (NULL balance) are never charged.
func (s *Store) ChargeCredits(ctx context.Context, orgID string, amount int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE org_settings
		SET managed_credits = managed_credits - $2
		WHERE org_id = $1 AND (managed_credits IS NULL OR managed_credits >= $2)`,
		orgID, amount)
	if err != nil {
		return fmt.Errorf("failed to charge credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
