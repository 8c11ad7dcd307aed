package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLGrantStore implements GrantStore backed by a SQL DB (squealx)
type SQLGrantStore struct {
	db *squealx.DB
}

var _ permit.MutableGrantStore = (*SQLGrantStore)(nil)

func NewSQLGrantStore(db *squealx.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

func (s *SQLGrantStore) AssignRole(ctx context.Context, identityID, role string) error {
	q := `INSERT OR IGNORE INTO identity_roles(identity_id, role) VALUES(:identity_id, :role)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"identity_id": identityID, "role": role})
	return err
}

func (s *SQLGrantStore) RevokeRole(ctx context.Context, identityID, role string) error {
	q := `DELETE FROM identity_roles WHERE identity_id = :identity_id AND role = :role`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"identity_id": identityID, "role": role})
	return err
}

func (s *SQLGrantStore) GrantPermission(ctx context.Context, identityID, key string) error {
	q := `INSERT OR IGNORE INTO identity_permissions(identity_id, permission) VALUES(:identity_id, :permission)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"identity_id": identityID, "permission": key})
	return err
}

func (s *SQLGrantStore) RevokePermission(ctx context.Context, identityID, key string) error {
	q := `DELETE FROM identity_permissions WHERE identity_id = :identity_id AND permission = :permission`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"identity_id": identityID, "permission": key})
	return err
}

func (s *SQLGrantStore) SetFlag(ctx context.Context, identityID, flag string, value bool) error {
	q := `INSERT INTO identity_flags(identity_id, flag, value) VALUES(:identity_id, :flag, :value)
	ON CONFLICT(identity_id, flag) DO UPDATE SET value = :value`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"identity_id": identityID, "flag": flag, "value": boolToInt(value)})
	return err
}

func (s *SQLGrantStore) ListRoles(ctx context.Context, identityID string) ([]string, error) {
	out := make([]string, 0)
	q := `SELECT role FROM identity_roles WHERE identity_id = :identity_id ORDER BY role`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"identity_id": identityID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var role string
		if err := r.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLGrantStore) ListPermissions(ctx context.Context, identityID string) ([]string, error) {
	out := make([]string, 0)
	q := `SELECT permission FROM identity_permissions WHERE identity_id = :identity_id ORDER BY permission`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"identity_id": identityID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var key string
		if err := r.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *SQLGrantStore) ListFlags(ctx context.Context, identityID string) (map[string]bool, error) {
	out := make(map[string]bool)
	q := `SELECT flag, value FROM identity_flags WHERE identity_id = :identity_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"identity_id": identityID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var flag string
		var value int
		if err := r.Scan(&flag, &value); err != nil {
			return nil, err
		}
		out[flag] = value != 0
	}
	return out, nil
}
