package permit

import "context"

// Builders provide a fluent API for creating Contexts and rule sets

// ContextBuilder builds a Context
type ContextBuilder struct {
	c *Context
}

func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{c: &Context{Roles: []string{}, Permissions: []string{}, Flags: map[string]bool{}}}
}

func (b *ContextBuilder) Identity(id any) *ContextBuilder { b.c.Identity = id; return b }
func (b *ContextBuilder) Resource(r any) *ContextBuilder  { b.c.Resource = r; return b }
func (b *ContextBuilder) Roles(roles ...string) *ContextBuilder {
	b.c.Roles = append(b.c.Roles, roles...)
	return b
}
func (b *ContextBuilder) Permissions(keys ...string) *ContextBuilder {
	b.c.Permissions = append(b.c.Permissions, keys...)
	return b
}
func (b *ContextBuilder) Flag(name string, value bool) *ContextBuilder {
	b.c.Flags[name] = value
	return b
}
func (b *ContextBuilder) Build() *Context { return b.c }

// RulesBuilder builds a RulesMap
type RulesBuilder struct {
	rules RulesMap
}

func NewRulesBuilder() *RulesBuilder {
	return &RulesBuilder{rules: RulesMap{}}
}

func (b *RulesBuilder) Rule(key string, rule Rule) *RulesBuilder {
	b.rules[key] = rule
	return b
}

// Allow registers a rule that always grants.
func (b *RulesBuilder) Allow(key string) *RulesBuilder {
	return b.Rule(key, func(ctx context.Context, ec *Context) (any, error) { return true, nil })
}

// Deny registers a rule that always denies.
func (b *RulesBuilder) Deny(key string) *RulesBuilder {
	return b.Rule(key, func(ctx context.Context, ec *Context) (any, error) { return false, nil })
}

// RequireRole registers a rule granting when the context holds the role.
func (b *RulesBuilder) RequireRole(key, role string) *RulesBuilder {
	return b.Rule(key, func(ctx context.Context, ec *Context) (any, error) { return ec.HasRole(role), nil })
}

// RequireFlag registers a rule granting when the named flag is enabled.
func (b *RulesBuilder) RequireFlag(key, flag string) *RulesBuilder {
	return b.Rule(key, func(ctx context.Context, ec *Context) (any, error) { return ec.Flag(flag), nil })
}

func (b *RulesBuilder) Build() RulesMap { return MergeRules(b.rules) }
