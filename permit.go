package permit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// AUTHORIZATION CONTEXT
// ============================================================================

// Context carries everything a rule may inspect during one evaluation: the
// identity performing the action, the resource being acted on, assigned roles,
// granted permission strings, and feature flags. A Context is assembled fresh
// for each evaluation and must not be mutated by rules.
type Context struct {
	Identity    any             `json:"identity"`
	Resource    any             `json:"resource,omitempty"`
	Roles       []string        `json:"roles"`
	Permissions []string        `json:"permissions"`
	Flags       map[string]bool `json:"flags"`
}

// NewContext assembles an evaluation context. Nil slices and maps are
// normalized to empty so rules never have to nil-check. Membership order of
// roles and permissions is irrelevant; duplicates are tolerated as-is.
func NewContext(identity any, roles, permissions []string, flags map[string]bool) *Context {
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}
	if flags == nil {
		flags = map[string]bool{}
	}
	return &Context{
		Identity:    identity,
		Roles:       roles,
		Permissions: permissions,
		Flags:       flags,
	}
}

// WithResource returns a shallow copy of the context bound to a resource.
func (c *Context) WithResource(resource any) *Context {
	dup := *c
	dup.Resource = resource
	return &dup
}

// HasRole reports whether the identity was assigned the given role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity was granted the given permission
// string.
func (c *Context) HasPermission(key string) bool {
	for _, p := range c.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// Flag returns the value of a feature flag; missing flags read as false.
func (c *Context) Flag(name string) bool {
	return c.Flags[name]
}

// Clone returns a deep copy. Used when a caller needs an independent context
// that overrides can be applied onto.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	dup := &Context{
		Identity:    c.Identity,
		Resource:    c.Resource,
		Roles:       append([]string{}, c.Roles...),
		Permissions: append([]string{}, c.Permissions...),
		Flags:       make(map[string]bool, len(c.Flags)),
	}
	for k, v := range c.Flags {
		dup.Flags[k] = v
	}
	return dup
}

// ============================================================================
// RULES
// ============================================================================

// Rule decides a single named permission against a context. Rules may block
// (awaiting an external check) and may return any value: the result is coerced
// to a boolean outcome by the evaluator. A rule that returns an error or
// panics is an automatic deny, never a grant.
type Rule func(ctx context.Context, ec *Context) (any, error)

// RulesMap maps permission keys to their rules. Keys are unique per map.
type RulesMap map[string]Rule

// MergeRules combines rule maps; for duplicate keys the last registered wins.
func MergeRules(maps ...RulesMap) RulesMap {
	out := make(RulesMap)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// coerceBool maps a rule's raw result onto a grant decision. The falsy set is
// deliberate and closed: nil, false, numeric zero and the empty string deny;
// every other value grants.
func coerceBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int8:
		return x != 0
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint8:
		return x != 0
	case uint16:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// ============================================================================
// CHECKS
// ============================================================================

// Mode selects how a key-set check aggregates its per-rule results.
type Mode string

const (
	// ModeAny grants when at least one rule in the set grants.
	ModeAny Mode = "any"
	// ModeAll grants only when every rule in the set grants.
	ModeAll Mode = "all"
)

// normalize treats the zero value as ModeAny, the historical default.
func (m Mode) normalize() Mode {
	if m == ModeAll {
		return ModeAll
	}
	return ModeAny
}

type checkKind uint8

const (
	checkInvalid checkKind = iota
	checkByKey
	checkByKeySet
	checkByRule
)

// InlineKey tags trace entries produced by ByRule checks.
const InlineKey = "inline"

// Check is what a caller asks to evaluate: a single permission key, an ordered
// set of keys, or an inline rule. Construct through ByKey, ByKeySet or ByRule;
// the zero value is invalid and always evaluates to a deny.
type Check struct {
	kind checkKind
	key  string
	keys []string
	rule Rule
}

// ByKey checks one permission key.
func ByKey(key string) Check {
	return Check{kind: checkByKey, key: key}
}

// ByKeySet checks a set of permission keys, combined per the evaluation Mode.
func ByKeySet(keys ...string) Check {
	return Check{kind: checkByKeySet, keys: append([]string{}, keys...)}
}

// ByRule checks an inline rule directly, bypassing resolution.
func ByRule(rule Rule) Check {
	return Check{kind: checkByRule, rule: rule}
}

// Describe renders the check for records and telemetry: the key, the key
// slice, or the literal "inline". Invalid checks describe as nil.
func (c Check) Describe() any {
	switch c.kind {
	case checkByKey:
		return c.key
	case checkByKeySet:
		return append([]string{}, c.keys...)
	case checkByRule:
		return InlineKey
	default:
		return nil
	}
}

// IsKeyed reports whether the check is resolved purely from permission keys,
// i.e. carries no caller-supplied rule closure.
func (c Check) IsKeyed() bool {
	return c.kind == checkByKey || c.kind == checkByKeySet
}

// ============================================================================
// RULE RESOLUTION
// ============================================================================

// Resolve maps a permission key to an executable rule. A rule registered
// under the key always wins; otherwise the key falls back to a direct
// membership test against the context's granted permissions and assigned
// roles. Resolution cannot fail.
func Resolve(key string, rules RulesMap) Rule {
	if rule, ok := rules[key]; ok {
		return rule
	}
	return membershipRule(key)
}

// membershipRule is the zero-config fallback: the key itself is usable as a
// permission or role name. It intentionally conflates the two namespaces;
// callers needing the distinction register a named rule for the key.
func membershipRule(key string) Rule {
	return func(_ context.Context, ec *Context) (any, error) {
		return ec.HasPermission(key) || ec.HasRole(key), nil
	}
}

// ============================================================================
// RULE EVALUATION
// ============================================================================

// RuleTrace records the outcome of one executed rule.
type RuleTrace struct {
	RuleKey    string  `json:"rule"`
	Result     bool    `json:"result"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// evalRule executes a single rule, capturing its wall-clock duration
// (inclusive of any blocking the rule does) and any failure. Panics and
// errors degrade to a deny with the failure message in the trace entry.
func evalRule(ctx context.Context, key string, rule Rule, ec *Context) (tr RuleTrace) {
	tr.RuleKey = key
	start := time.Now()
	defer func() {
		tr.DurationMs = float64(time.Since(start)) / float64(time.Millisecond)
		if rec := recover(); rec != nil {
			tr.Result = false
			if err, ok := rec.(error); ok {
				tr.Error = err.Error()
			} else {
				tr.Error = fmt.Sprint(rec)
			}
		}
	}()
	v, err := rule(ctx, ec)
	if err != nil {
		tr.Result = false
		tr.Error = err.Error()
		return tr
	}
	tr.Result = coerceBool(v)
	return tr
}

// ============================================================================
// ORCHESTRATION
// ============================================================================

// Result is the aggregate decision for one check plus its per-rule trace.
type Result struct {
	Allowed bool        `json:"allowed"`
	Trace   []RuleTrace `json:"trace"`
}

// ErrNilContext is returned when the evaluation surface is used without an
// authorization context. Unlike rule failures, which fail closed into the
// trace, a missing context indicates broken caller setup and is surfaced
// loudly instead of silently denied.
var ErrNilContext = errors.New("permit: evaluation requires an authorization context")

// invalidCheckError is the diagnostic carried by the fail-closed trace entry
// for unrecognized check shapes.
const invalidCheckError = "Invalid permission check type"

// EvaluatePermission resolves a check into one or more rule executions and
// aggregates them into a decision. Rules of a key set are all started without
// waiting on each other; the trace is ordered by input key order regardless of
// completion order. No rule failure aborts the evaluation: a failing rule
// denies only its own entry. The returned error is non-nil only when ec is
// nil; every data-dependent failure is captured in the trace.
func EvaluatePermission(ctx context.Context, check Check, ec *Context, rules RulesMap, mode Mode) (*Result, error) {
	if ec == nil {
		return nil, ErrNilContext
	}
	switch check.kind {
	case checkByRule:
		tr := evalRule(ctx, InlineKey, check.rule, ec)
		return &Result{Allowed: tr.Result, Trace: []RuleTrace{tr}}, nil
	case checkByKey:
		tr := evalRule(ctx, check.key, Resolve(check.key, rules), ec)
		return &Result{Allowed: tr.Result, Trace: []RuleTrace{tr}}, nil
	case checkByKeySet:
		traces := make([]RuleTrace, len(check.keys))
		var wg sync.WaitGroup
		for i, key := range check.keys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				traces[i] = evalRule(ctx, key, Resolve(key, rules), ec)
			}(i, key)
		}
		wg.Wait()
		return &Result{Allowed: aggregate(traces, mode), Trace: traces}, nil
	default:
		return &Result{
			Allowed: false,
			Trace: []RuleTrace{{
				RuleKey: "unknown",
				Result:  false,
				Error:   invalidCheckError,
			}},
		}, nil
	}
}

// aggregate folds the per-rule results. ModeAll over an empty set is
// vacuously true; ModeAny over an empty set is false.
func aggregate(traces []RuleTrace, mode Mode) bool {
	if mode.normalize() == ModeAll {
		for _, tr := range traces {
			if !tr.Result {
				return false
			}
		}
		return true
	}
	for _, tr := range traces {
		if tr.Result {
			return true
		}
	}
	return false
}
