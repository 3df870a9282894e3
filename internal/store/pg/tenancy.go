package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ontour.app/internal/audit"
	"ontour.app/internal/ratelimit"
	"ontour.app/internal/rbac"
)

const (
	pgErrUndefinedTable      = "42P01"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ rbac.RoleTable         = (*Store)(nil)
	_ ratelimit.TierResolver = (*Store)(nil)
	_ audit.Writer           = (*Store)(nil)
)

// Organization is a tenant row as listed to superadmins.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PlanTier  string    `json:"plan_tier,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionsForRole resolves the permission codes granted to role. An unknown role has none.
func (s *Store) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct rp.permission
		from role_permissions rp
		join permissions p on p.code = rp.permission
		where rp.role = $1
		order by rp.permission
	`, strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUndefinedTable {
			return nil, fmt.Errorf("role permissions schema missing: %w", err)
		}
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		perms = append(perms, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// TierFor reads the plan tier of an organization.
func (s *Store) TierFor(ctx context.Context, organizationID string) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	var tier sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select plan_tier
		from organizations
		where id = $1
	`, organizationID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ratelimit.ErrNoTier
	}
	if err != nil {
		return "", err
	}
	if !tier.Valid || strings.TrimSpace(tier.String) == "" {
		return "", ratelimit.ErrNoTier
	}
	return tier.String, nil
}

// ListOrganizations returns every tenant ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, plan_tier, created_at
		from organizations
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var (
			org  Organization
			tier sql.NullString
		)
		if err := rows.Scan(&org.ID, &org.Name, &tier, &org.CreatedAt); err != nil {
			return nil, err
		}
		if tier.Valid {
			org.PlanTier = tier.String
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orgs, nil
}

// AppendAudit stores one audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	detail := []byte("{}")
	if len(entry.Detail) > 0 {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, kind, request_id, user_id, organization_id, detail)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.OccurredAt, entry.Kind, nullIfEmpty(entry.RequestID),
		nullIfEmpty(entry.UserID), nullIfEmpty(entry.OrganizationID), detail)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("audit entry references unknown organization %s: %w", entry.OrganizationID, err)
		}
		return err
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
