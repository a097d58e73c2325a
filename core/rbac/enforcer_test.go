package rbac

import (
	"context"
	"testing"

	"berkut-cases/core/store"
)

type fakeACL struct {
	rules map[int64][]store.ACLRule
	calls int
}

func (f *fakeACL) GetCaseACL(ctx context.Context, caseID int64) ([]store.ACLRule, error) {
	f.calls++
	return f.rules[caseID], nil
}

func TestActionHierarchy(t *testing.T) {
	src := &fakeACL{rules: map[int64][]store.ACLRule{
		10: {
			{SubjectType: "user", SubjectID: "1", Permission: "manage"},
			{SubjectType: "user", SubjectID: "2", Permission: "edit"},
			{SubjectType: "user", SubjectID: "3", Permission: "VIEW"},
			{SubjectType: "role", SubjectID: "analyst", Permission: "edit"},
		},
	}}
	e, err := NewCaseEnforcer(src, []int64{99})
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	ctx := context.Background()
	cases := []struct {
		user   int64
		action string
		want   bool
	}{
		{1, ActionManage, true},
		{1, ActionView, true},
		{2, ActionEdit, true},
		{2, ActionManage, false},
		{3, ActionView, true},
		{3, ActionEdit, false},
		{4, ActionView, false},
		{99, ActionManage, true},
	}
	for _, tc := range cases {
		got, err := e.Allowed(ctx, tc.user, 10, tc.action)
		if err != nil {
			t.Fatalf("allowed: %v", err)
		}
		if got != tc.want {
			t.Fatalf("user %d %s: got %v want %v", tc.user, tc.action, got, tc.want)
		}
	}
	if src.calls != 1 {
		t.Fatalf("acl should be loaded once, got %d loads", src.calls)
	}
	if ok, _ := e.Allowed(ctx, 1, 11, ActionView); ok {
		t.Fatalf("rules must not leak across cases")
	}
}

func TestResetReplacesPolicy(t *testing.T) {
	src := &fakeACL{rules: map[int64][]store.ACLRule{5: {{SubjectType: "user", SubjectID: "2", Permission: "edit"}}}}
	e, err := NewCaseEnforcer(src, nil)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	ctx := context.Background()
	if ok, _ := e.Allowed(ctx, 2, 5, ActionEdit); !ok {
		t.Fatalf("expected edit before reset")
	}
	if err := e.Reset(5, []store.ACLRule{{SubjectType: "user", SubjectID: "2", Permission: "view"}}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := e.Allowed(ctx, 2, 5, ActionEdit); ok {
		t.Fatalf("edit should be revoked")
	}
	if ok, _ := e.Allowed(ctx, 2, 5, ActionView); !ok {
		t.Fatalf("view should remain")
	}
}
