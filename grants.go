package permit

import "context"

// GrantStore supplies the role, permission and flag grants recorded for an
// identity. Implementations live in the stores package (memory, SQL, redis);
// the engine uses one to build authorization contexts for identities it only
// knows by id.
type GrantStore interface {
	ListRoles(ctx context.Context, identityID string) ([]string, error)
	ListPermissions(ctx context.Context, identityID string) ([]string, error)
	ListFlags(ctx context.Context, identityID string) (map[string]bool, error)
}

// MutableGrantStore extends GrantStore with grant administration, used by
// config application and tooling.
type MutableGrantStore interface {
	GrantStore
	AssignRole(ctx context.Context, identityID, role string) error
	RevokeRole(ctx context.Context, identityID, role string) error
	GrantPermission(ctx context.Context, identityID, key string) error
	RevokePermission(ctx context.Context, identityID, key string) error
	SetFlag(ctx context.Context, identityID, flag string, value bool) error
}
