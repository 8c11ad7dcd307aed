package permit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryLimit caps the recorder's evaluation log. Appends beyond the cap
// evict the oldest record first.
const HistoryLimit = 100

// EvaluationRecord is one recorded decision. Records are created only by
// Recorder.Append and are immutable afterwards. Check holds the permission
// key, the key slice, or the literal "inline".
type EvaluationRecord struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Check     any         `json:"check"`
	Resource  any         `json:"resource,omitempty"`
	Allowed   bool        `json:"allowed"`
	Trace     []RuleTrace `json:"trace"`
	Mode      Mode        `json:"mode,omitempty"`
}

// Evaluation is the input to Append; the recorder stamps the id and timestamp.
type Evaluation struct {
	Check    any
	Resource any
	Allowed  bool
	Trace    []RuleTrace
	Mode     Mode
}

// RecorderState is the full immutable snapshot delivered to subscribers and
// returned by State. Evaluations are newest-first. Override fields are nil
// when no override is active.
type RecorderState struct {
	Evaluations         []EvaluationRecord `json:"evaluations"`
	IsOpen              bool               `json:"is_open"`
	OverrideIdentity    any                `json:"override_identity,omitempty"`
	OverrideRoles       []string           `json:"override_roles,omitempty"`
	OverridePermissions []string           `json:"override_permissions,omitempty"`
	OverrideFlags       map[string]bool    `json:"override_flags,omitempty"`
}

// Listener receives a snapshot after every state-mutating call.
type Listener func(RecorderState)

// Recorder is the process-wide observable store behind the permission debug
// panel: a bounded log of past evaluations plus mutable override fields that
// substitute parts of the authorization context at evaluation time. All
// mutations are atomic with respect to the snapshots subscribers observe.
type Recorder struct {
	mu          sync.Mutex
	evaluations []EvaluationRecord // newest first
	isOpen      bool

	ovIdentity    any
	hasOvIdentity bool
	ovRoles       []string
	ovPermissions []string
	ovFlags       map[string]bool

	listeners map[int]Listener
	nextSub   int
	idFunc    func() string
}

// RecorderOption configures a Recorder at construction.
type RecorderOption func(*Recorder)

// WithIDFunc replaces the record id generator (default: uuid).
func WithIDFunc(f func() string) RecorderOption {
	return func(r *Recorder) {
		if f != nil {
			r.idFunc = f
		}
	}
}

// NewRecorder constructs an isolated recorder. Callers that want a shared
// process-wide instance use DefaultRecorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		listeners: make(map[int]Listener),
		idFunc:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultRecorderOnce sync.Once
	defaultRecorder     *Recorder
)

// DefaultRecorder returns the lazily created shared recorder. It is a
// convenience on top of NewRecorder; tests should construct their own.
func DefaultRecorder() *Recorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder = NewRecorder()
	})
	return defaultRecorder
}

// Append records an evaluation, evicting the oldest entry beyond the history
// limit, and notifies subscribers. The created record is returned.
func (r *Recorder) Append(ev Evaluation) EvaluationRecord {
	r.mu.Lock()
	rec := EvaluationRecord{
		ID:        r.idFunc(),
		Timestamp: time.Now(),
		Check:     ev.Check,
		Resource:  ev.Resource,
		Allowed:   ev.Allowed,
		Trace:     append([]RuleTrace{}, ev.Trace...),
		Mode:      ev.Mode,
	}
	r.evaluations = append([]EvaluationRecord{rec}, r.evaluations...)
	if len(r.evaluations) > HistoryLimit {
		r.evaluations = r.evaluations[:HistoryLimit]
	}
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
	return rec
}

// Clear drops the evaluation history. Overrides are untouched.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.evaluations = nil
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// Subscribe registers a listener invoked synchronously, once per mutating
// call, with a full snapshot. The returned function removes the listener and
// is safe to call more than once.
func (r *Recorder) Subscribe(fn Listener) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// State returns the current snapshot.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	state, _ := r.snapshotLocked()
	r.mu.Unlock()
	return state
}

// ============================================================================
// OVERRIDES
// ============================================================================

// SetOverrideIdentity substitutes the identity; nil clears the override.
func (r *Recorder) SetOverrideIdentity(identity any) {
	r.mu.Lock()
	r.ovIdentity = identity
	r.hasOvIdentity = identity != nil
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// SetOverrideRoles substitutes the assigned roles; nil clears the override.
func (r *Recorder) SetOverrideRoles(roles []string) {
	r.mu.Lock()
	r.ovRoles = cloneStrings(roles)
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// SetOverridePermissions substitutes the granted permissions; nil clears.
func (r *Recorder) SetOverridePermissions(permissions []string) {
	r.mu.Lock()
	r.ovPermissions = cloneStrings(permissions)
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// SetOverrideFlags substitutes the feature flags; nil clears the override.
func (r *Recorder) SetOverrideFlags(flags map[string]bool) {
	r.mu.Lock()
	r.ovFlags = cloneFlags(flags)
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// ToggleRole flips membership of role in the working set (the active override
// if present, else a copy of base). An override that ends up empty or
// identical to the base is cleared back to "absent" so that toggling
// everything off falls through to the base values instead of pinning an
// explicit empty override.
func (r *Recorder) ToggleRole(role string, base []string) {
	r.mu.Lock()
	r.ovRoles = toggleMember(r.ovRoles, base, role)
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// TogglePermission flips membership of key in the permission working set,
// with the same clear-to-absent behavior as ToggleRole.
func (r *Recorder) TogglePermission(key string, base []string) {
	r.mu.Lock()
	r.ovPermissions = toggleMember(r.ovPermissions, base, key)
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// ToggleFlag flips the value of a flag in the working map; an override that
// ends up identical to the base map is cleared back to "absent".
func (r *Recorder) ToggleFlag(name string, base map[string]bool) {
	r.mu.Lock()
	working := r.ovFlags
	if working == nil {
		working = base
	}
	working = cloneFlags(working)
	if working == nil {
		working = map[string]bool{}
	}
	working[name] = !working[name]
	if equalFlags(working, base) {
		working = nil
	}
	r.ovFlags = working
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// ResetOverrides clears every override field in one mutation; subscribers are
// notified exactly once.
func (r *Recorder) ResetOverrides() {
	r.mu.Lock()
	r.ovIdentity = nil
	r.hasOvIdentity = false
	r.ovRoles = nil
	r.ovPermissions = nil
	r.ovFlags = nil
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// HasOverrides reports whether any override field is active.
func (r *Recorder) HasOverrides() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasOvIdentity || r.ovRoles != nil || r.ovPermissions != nil || r.ovFlags != nil
}

// MergeContext computes the effective context for one evaluation: per field,
// the override if active, else the base value. The merge happens once, up
// front; overrides are never partially applied mid-evaluation.
func (r *Recorder) MergeContext(base *Context) *Context {
	if base == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := base.Clone()
	if r.hasOvIdentity {
		merged.Identity = r.ovIdentity
	}
	if r.ovRoles != nil {
		merged.Roles = cloneStrings(r.ovRoles)
	}
	if r.ovPermissions != nil {
		merged.Permissions = cloneStrings(r.ovPermissions)
	}
	if r.ovFlags != nil {
		merged.Flags = cloneFlags(r.ovFlags)
	}
	return merged
}

// ============================================================================
// PANEL VISIBILITY
// ============================================================================

// Open marks the debug panel visible. Presentation-adjacent, but it lives on
// the recorder because it is part of the same shared observable state.
func (r *Recorder) Open() { r.setOpen(true) }

// Close marks the debug panel hidden.
func (r *Recorder) Close() { r.setOpen(false) }

// TogglePanel flips the panel visibility.
func (r *Recorder) TogglePanel() {
	r.mu.Lock()
	r.isOpen = !r.isOpen
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

func (r *Recorder) setOpen(open bool) {
	r.mu.Lock()
	r.isOpen = open
	state, listeners := r.snapshotLocked()
	r.mu.Unlock()
	notify(listeners, state)
}

// ============================================================================
// INTERNALS
// ============================================================================

// snapshotLocked builds the immutable snapshot and copies the listener set.
// Must be called with r.mu held; the caller notifies after unlocking so a
// listener can call back into the recorder without deadlocking.
func (r *Recorder) snapshotLocked() (RecorderState, []Listener) {
	state := RecorderState{
		Evaluations:         append([]EvaluationRecord{}, r.evaluations...),
		IsOpen:              r.isOpen,
		OverrideRoles:       cloneStrings(r.ovRoles),
		OverridePermissions: cloneStrings(r.ovPermissions),
		OverrideFlags:       cloneFlags(r.ovFlags),
	}
	if r.hasOvIdentity {
		state.OverrideIdentity = r.ovIdentity
	}
	listeners := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	return state, listeners
}

func notify(listeners []Listener, state RecorderState) {
	for _, fn := range listeners {
		fn(state)
	}
}

// toggleMember implements the shared toggle semantics for roles and
// permissions: flip membership in "override if present, else clone of base",
// clearing the override when the result is empty or set-equal to base.
func toggleMember(override, base []string, key string) []string {
	working := override
	if working == nil {
		working = base
	}
	next := make([]string, 0, len(working)+1)
	removed := false
	for _, v := range working {
		if v == key {
			removed = true
			continue
		}
		next = append(next, v)
	}
	if !removed {
		next = append(next, key)
	}
	if len(next) == 0 || equalSets(next, base) {
		return nil
	}
	return next
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func cloneFlags(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	dup := make(map[string]bool, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

// equalSets compares two string slices as sets (order-insensitive,
// duplicate-insensitive).
func equalSets(a, b []string) bool {
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	other := make(map[string]bool, len(b))
	for _, v := range b {
		if !seen[v] {
			return false
		}
		other[v] = true
	}
	for v := range seen {
		if !other[v] {
			return false
		}
	}
	return true
}

// equalFlags compares two flag maps by effective value: a missing key reads
// as false, so {x: false} and an absent x are the same flag state.
func equalFlags(a, b map[string]bool) bool {
	for k, v := range a {
		if v != b[k] {
			return false
		}
	}
	for k, v := range b {
		if v != a[k] {
			return false
		}
	}
	return true
}
