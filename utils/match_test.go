package utils

import "testing"

func TestMatchKey(t *testing.T) {
	cases := []struct {
		key     string
		pattern string
		want    bool
	}{
		{"document.edit", "document.edit", true},
		{"document.edit", "document.*", true},
		{"document.comments.add", "document.*", true},
		{"billing.view", "document.*", false},
		{"document.edit", "*", true},
		{"document/123/edit", "document/:id/edit", true},
		{"document/123/delete", "document/:id/edit", false},
		{"document.edit", "document.view", false},
		{"document", "document.*", false},
	}
	for _, tc := range cases {
		if got := MatchKey(tc.key, tc.pattern); got != tc.want {
			t.Fatalf("MatchKey(%q, %q) = %v, want %v", tc.key, tc.pattern, got, tc.want)
		}
	}
}

func TestHasPattern(t *testing.T) {
	if HasPattern("document.edit") {
		t.Fatalf("literal key has no pattern")
	}
	if !HasPattern("document.*") || !HasPattern("document/:id/edit") {
		t.Fatalf("wildcard and param keys must report a pattern")
	}
}
