package permit

import (
	"fmt"
	"testing"
)

func TestRecorderHistoryCap(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < HistoryLimit+1; i++ {
		r.Append(Evaluation{Check: fmt.Sprintf("key-%d", i), Allowed: true})
	}
	state := r.State()
	if len(state.Evaluations) != HistoryLimit {
		t.Fatalf("expected %d records, got %d", HistoryLimit, len(state.Evaluations))
	}
	if state.Evaluations[0].Check != fmt.Sprintf("key-%d", HistoryLimit) {
		t.Fatalf("newest record must be first, got %v", state.Evaluations[0].Check)
	}
	for _, rec := range state.Evaluations {
		if rec.Check == "key-0" {
			t.Fatalf("oldest record must be evicted")
		}
	}
}

func TestRecorderClear(t *testing.T) {
	r := NewRecorder()
	r.Append(Evaluation{Check: "k", Allowed: true})
	r.SetOverrideRoles([]string{"admin"})
	r.Clear()
	state := r.State()
	if len(state.Evaluations) != 0 {
		t.Fatalf("clear must drop history")
	}
	if state.OverrideRoles == nil {
		t.Fatalf("clear must not touch overrides")
	}
}

func TestRecorderSubscribe(t *testing.T) {
	r := NewRecorder()
	var got []RecorderState
	unsub := r.Subscribe(func(s RecorderState) { got = append(got, s) })

	r.Append(Evaluation{Check: "k", Allowed: true})
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if len(got[0].Evaluations) != 1 {
		t.Fatalf("notification must carry full snapshot")
	}

	unsub()
	unsub() // safe to call twice
	r.Append(Evaluation{Check: "k2", Allowed: false})
	if len(got) != 1 {
		t.Fatalf("unsubscribed listener must not fire")
	}
}

func TestToggleRoleRoundTrip(t *testing.T) {
	r := NewRecorder()
	base := []string{"a", "b"}

	r.ToggleRole("x", base)
	state := r.State()
	if len(state.OverrideRoles) != 3 {
		t.Fatalf("expected override with 3 roles, got %v", state.OverrideRoles)
	}

	r.ToggleRole("x", base)
	state = r.State()
	if state.OverrideRoles != nil {
		t.Fatalf("toggling back to base must clear the override, got %v", state.OverrideRoles)
	}
	if r.HasOverrides() {
		t.Fatalf("no overrides should remain active")
	}
}

func TestToggleRoleClearsWhenEmpty(t *testing.T) {
	r := NewRecorder()
	r.SetOverrideRoles([]string{"only"})
	r.ToggleRole("only", []string{"base-role"})
	if r.State().OverrideRoles != nil {
		t.Fatalf("empty toggle result must clear to absent, not pin []")
	}
}

func TestTogglePermission(t *testing.T) {
	r := NewRecorder()
	base := []string{"document.edit"}
	r.TogglePermission("document.delete", base)
	state := r.State()
	if len(state.OverridePermissions) != 2 {
		t.Fatalf("expected 2 override permissions, got %v", state.OverridePermissions)
	}
	r.TogglePermission("document.delete", base)
	if r.State().OverridePermissions != nil {
		t.Fatalf("round trip must restore absent override")
	}
}

func TestToggleFlag(t *testing.T) {
	r := NewRecorder()
	base := map[string]bool{"beta": false}

	r.ToggleFlag("beta", base)
	state := r.State()
	if !state.OverrideFlags["beta"] {
		t.Fatalf("flag must flip to true")
	}

	r.ToggleFlag("beta", base)
	if r.State().OverrideFlags != nil {
		t.Fatalf("flipping back to base values must clear the override")
	}
}

func TestToggleFlagAbsentFromBase(t *testing.T) {
	r := NewRecorder()

	r.ToggleFlag("experimental", nil)
	if !r.State().OverrideFlags["experimental"] {
		t.Fatalf("flag absent from base must toggle on")
	}

	r.ToggleFlag("experimental", nil)
	if r.State().OverrideFlags != nil {
		t.Fatalf("toggling back must clear to absent, got %v", r.State().OverrideFlags)
	}
	if r.HasOverrides() {
		t.Fatalf("no overrides should remain active")
	}
}

func TestResetOverridesSingleNotification(t *testing.T) {
	r := NewRecorder()
	r.SetOverrideIdentity("ghost")
	r.SetOverrideRoles([]string{"admin"})
	r.SetOverrideFlags(map[string]bool{"beta": true})

	count := 0
	unsub := r.Subscribe(func(RecorderState) { count++ })
	defer unsub()

	r.ResetOverrides()
	if count != 1 {
		t.Fatalf("reset must notify exactly once, got %d", count)
	}
	state := r.State()
	if state.OverrideIdentity != nil || state.OverrideRoles != nil || state.OverridePermissions != nil || state.OverrideFlags != nil {
		t.Fatalf("reset must clear every override: %+v", state)
	}
}

func TestMergeContext(t *testing.T) {
	r := NewRecorder()
	base := NewContext("user-1", []string{"viewer"}, []string{"document.view"}, map[string]bool{"beta": false})

	if merged := r.MergeContext(base); merged.Identity != "user-1" || !merged.HasRole("viewer") {
		t.Fatalf("no overrides: merge must equal base")
	}

	r.SetOverrideRoles([]string{"admin"})
	merged := r.MergeContext(base)
	if !merged.HasRole("admin") || merged.HasRole("viewer") {
		t.Fatalf("role override must replace base roles: %+v", merged.Roles)
	}
	if merged.Identity != "user-1" || !merged.HasPermission("document.view") {
		t.Fatalf("unset fields must fall through to base")
	}

	// merge must not mutate the base
	if base.HasRole("admin") {
		t.Fatalf("merge leaked into base context")
	}

	r.SetOverrideIdentity("ghost")
	if merged := r.MergeContext(base); merged.Identity != "ghost" {
		t.Fatalf("identity override must apply")
	}
	if r.MergeContext(nil) != nil {
		t.Fatalf("nil base must merge to nil")
	}
}

func TestPanelVisibility(t *testing.T) {
	r := NewRecorder()
	if r.State().IsOpen {
		t.Fatalf("panel starts closed")
	}
	r.Open()
	if !r.State().IsOpen {
		t.Fatalf("open must set visible")
	}
	r.TogglePanel()
	if r.State().IsOpen {
		t.Fatalf("toggle must flip visibility")
	}
	r.Close()
	if r.State().IsOpen {
		t.Fatalf("close is idempotent")
	}
}

func TestListenerCanReenterRecorder(t *testing.T) {
	r := NewRecorder()
	var seen RecorderState
	unsub := r.Subscribe(func(RecorderState) {
		seen = r.State() // must not deadlock
	})
	defer unsub()
	r.Append(Evaluation{Check: "k", Allowed: true})
	if len(seen.Evaluations) != 1 {
		t.Fatalf("listener re-entry should observe the appended record")
	}
}

func TestAppendCopiesTrace(t *testing.T) {
	r := NewRecorder(WithIDFunc(func() string { return "fixed" }))
	trace := []RuleTrace{{RuleKey: "k", Result: true}}
	rec := r.Append(Evaluation{Check: "k", Allowed: true, Trace: trace})
	if rec.ID != "fixed" {
		t.Fatalf("custom id func must be used")
	}
	trace[0].Result = false
	if !r.State().Evaluations[0].Trace[0].Result {
		t.Fatalf("record must not alias the caller's trace slice")
	}
}
