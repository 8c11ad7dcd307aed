package permit

import "context"

// EvalRequest is a JSON-friendly one-shot evaluation used by tooling and the
// CLI: the caller supplies the raw context fields and the keys to check
// instead of constructing Context and Check values.
type EvalRequest struct {
	Identity    string          `json:"identity"`
	Resource    string          `json:"resource,omitempty"`
	Roles       []string        `json:"roles,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Keys        []string        `json:"keys"`
	Mode        Mode            `json:"mode,omitempty"`
}

// EvalRequest evaluates the request against the engine's rules. A single key
// becomes a single-key check; multiple keys a key-set check combined under
// the request's mode.
func (e *Engine) EvalRequest(ctx context.Context, req *EvalRequest) (*Result, error) {
	if req == nil {
		return nil, ErrNilContext
	}
	ec := NewContext(req.Identity, req.Roles, req.Permissions, req.Flags)
	if req.Resource != "" {
		ec = ec.WithResource(req.Resource)
	}
	var check Check
	if len(req.Keys) == 1 {
		check = ByKey(req.Keys[0])
	} else {
		check = ByKeySet(req.Keys...)
	}
	return e.EvaluateWithMode(ctx, check, ec, req.Mode)
}
