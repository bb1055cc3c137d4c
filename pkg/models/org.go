// Package models defines the domain entities shared by the store, the
// workflow engine, the scheduler and the gateway. Fields mirror the
// persisted row shapes; JSON tags match the wire representation.
package models

import "time"

// Organization is the tenant root. Every tenant-scoped row carries its id.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// MembershipRole is the role of a user within an organization.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleAdmin  MembershipRole = "admin"
	RoleMember MembershipRole = "member"
)

// Membership links a user to an organization. Unique per (org, user).
type Membership struct {
	OrgID     string         `json:"orgId"`
	UserID    string         `json:"userId"`
	Role      MembershipRole `json:"role"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Secret is an org-scoped sealed credential. Plaintext is write-only: it is
// sealed on creation and only ever decrypted inside the agent loop and the
// connector executor.
type Secret struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	ConnectorID string    `json:"connectorId"`
	Name        string    `json:"name"`
	Ciphertext  []byte    `json:"-"`
	KEKID       string    `json:"kekId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OrgSettings holds per-org policy toggles consulted by the agent loop.
type OrgSettings struct {
	OrgID string `json:"orgId"`
	// ShellRunEnabled gates the shell.run tool.
	ShellRunEnabled bool `json:"shellRunEnabled"`
	// ManagedCredits is the remaining credit balance; nil means unmetered.
	ManagedCredits *int64 `json:"managedCredits,omitempty"`
}
