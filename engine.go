package permit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/oarkflow/permit/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// Engine is the facade the UI layer talks to. It merges recorder overrides
// into the caller's context, runs the evaluation, records the result, and
// emits a structured log line per decision. Everything it does is advisory:
// it is a UX gate, not an enforcement boundary.
type Engine struct {
	mu          sync.RWMutex
	rules       RulesMap // replaced wholesale on registration, never mutated in place
	recorder    *Recorder
	grants      GrantStore
	log         logger.Logger
	traceIDFunc logger.TraceIDFunc
	defaultMode Mode

	// installed by ApplyConfig
	roleGrants map[string][]string
	baseFlags  map[string]bool
	schedules  []FlagSchedule

	memo    *ristretto.Cache
	memoTTL time.Duration
}

// Option configures an Engine at construction.
type Option func(*Engine) error

// WithRecorder attaches an evaluation recorder. Without one the engine
// evaluates but observes nothing.
func WithRecorder(r *Recorder) Option {
	return func(e *Engine) error {
		e.recorder = r
		return nil
	}
}

// WithGrantStore attaches the store ContextFor loads grants from.
func WithGrantStore(gs GrantStore) Option {
	return func(e *Engine) error {
		e.grants = gs
		return nil
	}
}

// WithDefaultMode sets the aggregation mode used by Evaluate.
func WithDefaultMode(mode Mode) Option {
	return func(e *Engine) error {
		e.defaultMode = mode.normalize()
		return nil
	}
}

// WithMemoCache enables a ristretto-backed memo cache for keyed checks.
// Inline-rule checks and evaluations under active overrides always bypass it.
func WithMemoCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) Option {
	return func(e *Engine) error {
		return e.configureMemoCache(numCounters, maxCost, bufferItems, ttl)
	}
}

// NewEngine builds an engine over a rules map. The map is copied; later
// mutation of the argument does not affect the engine.
func NewEngine(rules RulesMap, opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:       MergeRules(rules),
		log:         logger.NewPhusluLogger(),
		traceIDFunc: uuid.NewString,
		defaultMode: ModeAny,
		memoTTL:     time.Second,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Recorder returns the attached recorder, or nil.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// RegisterRule adds or replaces a named rule. Safe to call while evaluations
// are in flight: the rules map is cloned and swapped, so running evaluations
// keep the snapshot they started with.
func (e *Engine) RegisterRule(key string, rule Rule) {
	e.mu.Lock()
	next := MergeRules(e.rules)
	next[key] = rule
	e.rules = next
	e.mu.Unlock()
}

// rulesSnapshot returns the current rules map for one evaluation.
func (e *Engine) rulesSnapshot() RulesMap {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Evaluate runs a check under the engine's default mode.
func (e *Engine) Evaluate(ctx context.Context, check Check, base *Context) (*Result, error) {
	return e.EvaluateWithMode(ctx, check, base, e.defaultMode)
}

// EvaluateWithMode merges any active overrides into the base context, runs
// the check, records the evaluation and logs the decision. It never returns
// an error for data-dependent failures; only a nil base context errors.
func (e *Engine) EvaluateWithMode(ctx context.Context, check Check, base *Context, mode Mode) (*Result, error) {
	if base == nil {
		return nil, ErrNilContext
	}
	start := time.Now()

	ec := base
	overridden := false
	if e.recorder != nil {
		overridden = e.recorder.HasOverrides()
		ec = e.recorder.MergeContext(base)
	}

	cacheable := e.memo != nil && check.IsKeyed() && !overridden
	var res *Result
	if cacheable {
		if hit, ok := e.memoGet(check, ec, mode); ok {
			res = hit
		}
	}
	if res == nil {
		var err error
		res, err = EvaluatePermission(ctx, check, ec, e.rulesSnapshot(), mode)
		if err != nil {
			return nil, err
		}
		if cacheable {
			e.memoSet(check, ec, mode, res)
		}
	}

	recordedMode := Mode("")
	if check.kind == checkByKeySet {
		recordedMode = mode.normalize()
	}
	if e.recorder != nil {
		e.recorder.Append(Evaluation{
			Check:    check.Describe(),
			Resource: ec.Resource,
			Allowed:  res.Allowed,
			Trace:    res.Trace,
			Mode:     recordedMode,
		})
	}

	e.log.Debug("permission evaluated",
		"trace_id", e.traceIDFunc(),
		"check", fmt.Sprint(check.Describe()),
		"mode", string(recordedMode),
		"allowed", res.Allowed,
		"rules", len(res.Trace),
		"duration_ms", float64(time.Since(start))/float64(time.Millisecond),
	)
	return res, nil
}

// ContextFor builds an authorization context for an identity from the
// attached grant store, expanding config role grants and applying flag
// schedules on top of the store's flags.
func (e *Engine) ContextFor(ctx context.Context, identityID string, resource any) (*Context, error) {
	if e.grants == nil {
		return nil, errors.New("permit: no grant store configured")
	}
	roles, err := e.grants.ListRoles(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list roles for %s: %w", identityID, err)
	}
	permissions, err := e.grants.ListPermissions(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list permissions for %s: %w", identityID, err)
	}
	flags, err := e.grants.ListFlags(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list flags for %s: %w", identityID, err)
	}
	for _, role := range roles {
		permissions = append(permissions, e.roleGrants[role]...)
	}
	effective := resolveFlags(e.baseFlags, e.schedules, time.Now())
	for k, v := range flags {
		effective[k] = v
	}
	return NewContext(identityID, roles, permissions, effective).WithResource(resource), nil
}

// ============================================================================
// MEMO CACHE
// ============================================================================

func (e *Engine) configureMemoCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) error {
	if numCounters <= 0 || maxCost <= 0 {
		return errors.New("permit: memo cache requires positive counters and cost")
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return fmt.Errorf("memo cache: %w", err)
	}
	e.memo = cache
	if ttl > 0 {
		e.memoTTL = ttl
	}
	return nil
}

func (e *Engine) memoGet(check Check, ec *Context, mode Mode) (*Result, bool) {
	v, ok := e.memo.Get(memoKey(check, ec, mode))
	if !ok {
		return nil, false
	}
	cached, ok := v.(*Result)
	if !ok {
		return nil, false
	}
	return &Result{Allowed: cached.Allowed, Trace: append([]RuleTrace{}, cached.Trace...)}, true
}

func (e *Engine) memoSet(check Check, ec *Context, mode Mode, res *Result) {
	stored := &Result{Allowed: res.Allowed, Trace: append([]RuleTrace{}, res.Trace...)}
	e.memo.SetWithTTL(memoKey(check, ec, mode), stored, 1, e.memoTTL)
}

// memoKey fingerprints a keyed check plus the context fields rules can see.
// Every field a rule may read participates, resource included; flag keys are
// sorted so the key is deterministic.
func memoKey(check Check, ec *Context, mode Mode) string {
	var b strings.Builder
	b.WriteString(string(mode.normalize()))
	b.WriteByte('\x1f')
	switch check.kind {
	case checkByKey:
		b.WriteString("k:")
		b.WriteString(check.key)
	case checkByKeySet:
		b.WriteString("s:")
		b.WriteString(strings.Join(check.keys, "\x1e"))
	}
	b.WriteByte('\x1f')
	fmt.Fprint(&b, ec.Identity)
	b.WriteByte('\x1f')
	fmt.Fprint(&b, ec.Resource)
	b.WriteByte('\x1f')
	b.WriteString(strings.Join(ec.Roles, "\x1e"))
	b.WriteByte('\x1f')
	b.WriteString(strings.Join(ec.Permissions, "\x1e"))
	b.WriteByte('\x1f')
	flagKeys := make([]string, 0, len(ec.Flags))
	for k := range ec.Flags {
		flagKeys = append(flagKeys, k)
	}
	sort.Strings(flagKeys)
	for _, k := range flagKeys {
		b.WriteString(k)
		if ec.Flags[k] {
			b.WriteString("=1")
		} else {
			b.WriteString("=0")
		}
		b.WriteByte('\x1e')
	}
	return b.String()
}
