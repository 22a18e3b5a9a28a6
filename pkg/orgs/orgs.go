// Package orgs exposes the organization membership queries the credit
// dashboard needs. Organization CRUD itself lives elsewhere; this package
// only reads.
package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Organization is a membership-scoped view of an organization row.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads organization membership from Postgres.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OwnedOrganizations returns the organizations where the user holds the
// owner role in the membership relation.
func (s *Store) OwnedOrganizations(ctx context.Context, userID string) ([]*Organization, error) {
	return s.organizationsByRole(ctx, userID, RoleOwner)
}

// Organizations returns every organization the user belongs to, any role.
func (s *Store) Organizations(ctx context.Context, userID string) ([]*Organization, error) {
	return s.organizationsByRole(ctx, userID, "")
}

func (s *Store) organizationsByRole(ctx context.Context, userID, role string) ([]*Organization, error) {
	query := `
		SELECT o.id, o.name, o.slug, m.role, o.created_at
		FROM organizations o
		JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1`
	args := []interface{}{userID}
	if role != "" {
		query += ` AND m.role = $2`
		args = append(args, role)
	}
	query += ` ORDER BY o.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query organizations for user %s: %w", userID, err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org := &Organization{}
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.Role, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return orgs, nil
}
