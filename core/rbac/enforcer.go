package rbac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"berkut-cases/core/store"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	ActionView   = "view"
	ActionEdit   = "edit"
	ActionManage = "manage"
)

// Per-case ACL: a rule grants one action on one case; g orders the actions
// so manage implies edit and edit implies view.
const caseModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && (r.act == p.act || g(p.act, r.act))
`

// ACLSource loads the stored rules of a case.
type ACLSource interface {
	GetCaseACL(ctx context.Context, caseID int64) ([]store.ACLRule, error)
}

// CaseEnforcer answers "may user U do A on case C". Case policies are loaded
// lazily from the store and refreshed through Reset when an ACL changes.
type CaseEnforcer struct {
	e      *casbin.SyncedEnforcer
	source ACLSource
	admins map[int64]struct{}

	mu     sync.Mutex
	loaded map[int64]struct{}
}

func NewCaseEnforcer(source ACLSource, adminIDs []int64) (*CaseEnforcer, error) {
	m, err := model.NewModelFromString(caseModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.AddGroupingPolicies([][]string{
		{ActionManage, ActionEdit},
		{ActionEdit, ActionView},
	}); err != nil {
		return nil, err
	}
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &CaseEnforcer{e: e, source: source, admins: admins, loaded: map[int64]struct{}{}}, nil
}

func ValidAction(action string) bool {
	switch action {
	case ActionView, ActionEdit, ActionManage:
		return true
	}
	return false
}

// Allowed loads the case policy on first use and evaluates it.
func (c *CaseEnforcer) Allowed(ctx context.Context, userID, caseID int64, action string) (bool, error) {
	if _, ok := c.admins[userID]; ok {
		return true, nil
	}
	if userID <= 0 || !ValidAction(action) {
		return false, nil
	}
	if err := c.ensureLoaded(ctx, caseID); err != nil {
		return false, err
	}
	return c.e.Enforce(subject(userID), object(caseID), action)
}

// Reset replaces the cached policy of a case.
func (c *CaseEnforcer) Reset(caseID int64, acl []store.ACLRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.replace(caseID, acl); err != nil {
		return err
	}
	c.loaded[caseID] = struct{}{}
	return nil
}

func (c *CaseEnforcer) ensureLoaded(ctx context.Context, caseID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loaded[caseID]; ok {
		return nil
	}
	acl, err := c.source.GetCaseACL(ctx, caseID)
	if err != nil {
		return fmt.Errorf("load case acl: %w", err)
	}
	if err := c.replace(caseID, acl); err != nil {
		return err
	}
	c.loaded[caseID] = struct{}{}
	return nil
}

func (c *CaseEnforcer) replace(caseID int64, acl []store.ACLRule) error {
	obj := object(caseID)
	if _, err := c.e.RemoveFilteredPolicy(1, obj); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	var rules [][]string
	for _, rule := range acl {
		if !strings.EqualFold(rule.SubjectType, "user") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rule.SubjectID), 10, 64)
		perm := strings.ToLower(strings.TrimSpace(rule.Permission))
		if err != nil || !ValidAction(perm) {
			continue
		}
		key := subject(id) + "|" + perm
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rules = append(rules, []string{subject(id), obj, perm})
	}
	if len(rules) == 0 {
		return nil
	}
	_, err := c.e.AddPolicies(rules)
	return err
}

func subject(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

func object(caseID int64) string { return "case:" + strconv.FormatInt(caseID, 10) }
