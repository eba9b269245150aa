package models

import "testing"

func TestIssueKeyDocID(t *testing.T) {
	if got := NewIssueKey("u1", "c1").DocID(); got != "u1_c1" {
		t.Errorf("plain ids = %q, want u1_c1", got)
	}
	if got := NewIssueKey("u1", " ").DocID(); got != "u1_general" {
		t.Errorf("empty course = %q, want u1_general", got)
	}

	pairs := []IssueKey{
		NewIssueKey("a_b", "c"),
		NewIssueKey("a", "b_c"),
		NewIssueKey("a%5Fb", "c"),
		NewIssueKey("a/b", "c"),
		NewIssueKey("a", "b/c"),
	}
	seen := map[string]IssueKey{}
	for _, k := range pairs {
		id := k.DocID()
		if prev, ok := seen[id]; ok {
			t.Errorf("%+v and %+v share document id %q", prev, k, id)
		}
		seen[id] = k
	}
}
