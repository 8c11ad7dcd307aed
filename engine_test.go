package permit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oarkflow/permit/logger"
)

func testEngine(t *testing.T, rules RulesMap, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewNullLogger())}, opts...)
	e, err := NewEngine(rules, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEngineRecordsEvaluations(t *testing.T) {
	rec := NewRecorder()
	e := testEngine(t, nil, WithRecorder(rec))

	ec := NewContext("user-1", []string{"admin"}, nil, nil)
	res, err := e.Evaluate(context.Background(), ByKey("admin"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("role membership should grant")
	}

	state := rec.State()
	if len(state.Evaluations) != 1 {
		t.Fatalf("expected 1 recorded evaluation, got %d", len(state.Evaluations))
	}
	got := state.Evaluations[0]
	if got.Check != "admin" || !got.Allowed {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Mode != "" {
		t.Fatalf("single-key checks must not record a mode, got %q", got.Mode)
	}
}

func TestEngineRecordsKeySetMode(t *testing.T) {
	rec := NewRecorder()
	e := testEngine(t, nil, WithRecorder(rec))
	ec := NewContext("user-1", []string{"admin"}, nil, nil)
	if _, err := e.EvaluateWithMode(context.Background(), ByKeySet("admin", "editor"), ec, ModeAll); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := rec.State().Evaluations[0].Mode; got != ModeAll {
		t.Fatalf("key-set record must carry the mode, got %q", got)
	}
}

func TestEngineMergesOverrides(t *testing.T) {
	rec := NewRecorder()
	e := testEngine(t, nil, WithRecorder(rec))
	ec := NewContext("user-1", []string{"viewer"}, nil, nil)

	res, err := e.Evaluate(context.Background(), ByKey("admin"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("viewer must not pass admin check")
	}

	rec.SetOverrideRoles([]string{"admin"})
	res, err = e.Evaluate(context.Background(), ByKey("admin"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("role override must grant admin check")
	}

	rec.ResetOverrides()
	res, _ = e.Evaluate(context.Background(), ByKey("admin"), ec)
	if res.Allowed {
		t.Fatalf("reset must restore base behavior")
	}
}

func TestEngineNilContext(t *testing.T) {
	e := testEngine(t, nil)
	if _, err := e.Evaluate(context.Background(), ByKey("admin"), nil); err == nil {
		t.Fatalf("nil context must error")
	}
}

func TestEngineDefaultMode(t *testing.T) {
	e := testEngine(t, nil, WithDefaultMode(ModeAll))
	ec := NewContext("user-1", []string{"admin"}, nil, nil)
	res, err := e.Evaluate(context.Background(), ByKeySet("admin", "missing"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("all-mode default must deny when one key denies")
	}
}

func TestEngineRegisterRule(t *testing.T) {
	e := testEngine(t, nil)
	e.RegisterRule("custom", func(ctx context.Context, ec *Context) (any, error) {
		return ec.Flag("beta"), nil
	})
	ec := NewContext("user-1", nil, nil, map[string]bool{"beta": true})
	res, err := e.Evaluate(context.Background(), ByKey("custom"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("registered rule must run")
	}
}

func TestEngineEvalRequest(t *testing.T) {
	e := testEngine(t, nil)
	res, err := e.EvalRequest(context.Background(), &EvalRequest{
		Identity: "user-1",
		Roles:    []string{"admin"},
		Keys:     []string{"admin", "missing"},
		Mode:     ModeAny,
	})
	if err != nil {
		t.Fatalf("eval request: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("any-mode request should grant")
	}
	if _, err := e.EvalRequest(context.Background(), nil); err == nil {
		t.Fatalf("nil request must error")
	}
}

func TestEngineMemoCache(t *testing.T) {
	calls := 0
	rules := RulesMap{
		"counted": func(ctx context.Context, ec *Context) (any, error) {
			calls++
			return true, nil
		},
	}
	rec := NewRecorder()
	e := testEngine(t, rules,
		WithRecorder(rec),
		WithMemoCache(1000, 1<<20, 64, time.Minute),
	)
	ec := NewContext("user-1", nil, nil, nil)

	if _, err := e.Evaluate(context.Background(), ByKey("counted"), ec); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	e.memo.Wait()
	if _, err := e.Evaluate(context.Background(), ByKey("counted"), ec); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("second keyed evaluation should hit the memo cache, rule ran %d times", calls)
	}

	// overrides bypass the cache
	rec.SetOverrideFlags(map[string]bool{"beta": true})
	if _, err := e.Evaluate(context.Background(), ByKey("counted"), ec); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("overridden evaluation must bypass the cache, rule ran %d times", calls)
	}

	// both evaluations were still recorded
	if got := len(rec.State().Evaluations); got != 3 {
		t.Fatalf("cache hits must still be recorded, got %d records", got)
	}
}

func TestEngineMemoCacheKeyedByResource(t *testing.T) {
	rules := RulesMap{
		"document.edit": func(ctx context.Context, ec *Context) (any, error) {
			return ec.Resource == "doc-owned", nil
		},
	}
	e := testEngine(t, rules, WithMemoCache(1000, 1<<20, 64, time.Minute))
	base := NewContext("user-1", nil, nil, nil)

	res, err := e.Evaluate(context.Background(), ByKey("document.edit"), base.WithResource("doc-owned"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("owned resource should grant")
	}
	e.memo.Wait()

	res, err = e.Evaluate(context.Background(), ByKey("document.edit"), base.WithResource("doc-foreign"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Allowed {
		t.Fatalf("grant for doc-owned must not be served for doc-foreign")
	}
}

func TestRegisterRuleDuringEvaluation(t *testing.T) {
	e := testEngine(t, RulesMap{
		"steady": func(ctx context.Context, ec *Context) (any, error) { return true, nil },
	})
	ec := NewContext("user-1", nil, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			e.RegisterRule(fmt.Sprintf("rule-%d", i), func(ctx context.Context, ec *Context) (any, error) {
				return true, nil
			})
		}
	}()
	for i := 0; i < 100; i++ {
		if _, err := e.Evaluate(context.Background(), ByKeySet("steady", "missing"), ec); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	<-done

	res, err := e.Evaluate(context.Background(), ByKey("rule-99"), ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("registered rule must be visible after registration completes")
	}
}

func TestEngineMemoCacheSkipsInlineRules(t *testing.T) {
	calls := 0
	e := testEngine(t, nil, WithMemoCache(1000, 1<<20, 64, time.Minute))
	ec := NewContext("user-1", nil, nil, nil)
	check := ByRule(func(ctx context.Context, ec *Context) (any, error) {
		calls++
		return true, nil
	})
	e.Evaluate(context.Background(), check, ec)
	e.Evaluate(context.Background(), check, ec)
	if calls != 2 {
		t.Fatalf("inline rules must never be memoized, ran %d times", calls)
	}
}
