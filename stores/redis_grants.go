package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/permit"
)

// RedisGrantStore stores identity grants in Redis: roles and permissions as
// sets, flags as a hash (keys: permit:roles:{id}, permit:perms:{id},
// permit:flags:{id})
type RedisGrantStore struct {
	client *redis.Client
}

var _ permit.MutableGrantStore = (*RedisGrantStore)(nil)

func NewRedisGrantStore(client *redis.Client) *RedisGrantStore {
	return &RedisGrantStore{client: client}
}

func (r *RedisGrantStore) roleKey(identityID string) string {
	return fmt.Sprintf("permit:roles:%s", identityID)
}

func (r *RedisGrantStore) permKey(identityID string) string {
	return fmt.Sprintf("permit:perms:%s", identityID)
}

func (r *RedisGrantStore) flagKey(identityID string) string {
	return fmt.Sprintf("permit:flags:%s", identityID)
}

func (r *RedisGrantStore) AssignRole(ctx context.Context, identityID, role string) error {
	return r.client.SAdd(ctx, r.roleKey(identityID), role).Err()
}

func (r *RedisGrantStore) RevokeRole(ctx context.Context, identityID, role string) error {
	return r.client.SRem(ctx, r.roleKey(identityID), role).Err()
}

func (r *RedisGrantStore) GrantPermission(ctx context.Context, identityID, key string) error {
	return r.client.SAdd(ctx, r.permKey(identityID), key).Err()
}

func (r *RedisGrantStore) RevokePermission(ctx context.Context, identityID, key string) error {
	return r.client.SRem(ctx, r.permKey(identityID), key).Err()
}

func (r *RedisGrantStore) SetFlag(ctx context.Context, identityID, flag string, value bool) error {
	return r.client.HSet(ctx, r.flagKey(identityID), flag, fmt.Sprint(boolToInt(value))).Err()
}

func (r *RedisGrantStore) ListRoles(ctx context.Context, identityID string) ([]string, error) {
	return r.client.SMembers(ctx, r.roleKey(identityID)).Result()
}

func (r *RedisGrantStore) ListPermissions(ctx context.Context, identityID string) ([]string, error) {
	return r.client.SMembers(ctx, r.permKey(identityID)).Result()
}

func (r *RedisGrantStore) ListFlags(ctx context.Context, identityID string) (map[string]bool, error) {
	raw, err := r.client.HGetAll(ctx, r.flagKey(identityID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(raw))
	for flag, v := range raw {
		out[flag] = v == "1"
	}
	return out, nil
}
