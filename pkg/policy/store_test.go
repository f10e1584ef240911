package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

func boolPtr(b bool) *bool { return &b }

func insertConnection(t *testing.T, s *scenario, name string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.rules.db.ExecContext(s.ctx, `
		INSERT INTO connections (id, name, host, port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, name, "localhost", 9000, now, now)
	require.NoError(t, err)
	return id
}

func TestCreateRule_Defaults(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)

	rule, err := s.rules.CreateRule(s.ctx, RuleInput{RoleID: viewer, DatabasePattern: "  sales  "})
	require.NoError(t, err)
	assert.Equal(t, "sales", rule.DatabasePattern)
	assert.Equal(t, "*", rule.TablePattern)
	assert.Equal(t, AccessRead, rule.AccessType)
	assert.True(t, rule.IsAllowed)

	got, err := s.rules.GetRule(s.ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, viewer, got.RoleID)
	assert.Empty(t, got.UserID)
	assert.Empty(t, got.ConnectionID)
	assert.True(t, got.IsAllowed)
}

func TestCreateRule_Validation(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)
	user := rbac.CreateTestUser(t, s.ids, "gina", "password-1")

	tests := []struct {
		name  string
		input RuleInput
		want  error
	}{
		{"no owner", RuleInput{DatabasePattern: "*"}, ErrRuleOwner},
		{"two owners", RuleInput{RoleID: viewer, UserID: user.ID, DatabasePattern: "*"}, ErrRuleOwner},
		{"empty database pattern", RuleInput{RoleID: viewer}, ErrInvalidRule},
		{"bad regex", RuleInput{RoleID: viewer, DatabasePattern: "/(/"}, ErrInvalidPattern},
		{"bad table regex", RuleInput{RoleID: viewer, DatabasePattern: "*", TablePattern: "/[/"}, ErrInvalidPattern},
		{"bad access type", RuleInput{RoleID: viewer, DatabasePattern: "*", AccessType: "delete"}, ErrInvalidAccessType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.rules.CreateRule(s.ctx, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	rules, err := s.rules.ListRules(s.ctx, RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, rules, "nothing persisted on validation failure")
}

func TestUpdateRule(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)

	rule, err := s.rules.CreateRule(s.ctx, RuleInput{RoleID: viewer, DatabasePattern: "sales", Description: "sales team"})
	require.NoError(t, err)

	updated, err := s.rules.UpdateRule(s.ctx, rule.ID, RuleInput{
		RoleID: viewer, DatabasePattern: "sales", TablePattern: "secrets",
		AccessType: AccessAdmin, IsAllowed: boolPtr(false), Priority: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "secrets", updated.TablePattern)
	assert.Equal(t, AccessAdmin, updated.AccessType)
	assert.False(t, updated.IsAllowed)
	assert.Equal(t, 7, updated.Priority)
	assert.Empty(t, updated.Description)

	_, err = s.rules.UpdateRule(s.ctx, uuid.NewString(), RuleInput{RoleID: viewer, DatabasePattern: "x"})
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteRule(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)

	rule, err := s.rules.CreateRule(s.ctx, RuleInput{RoleID: viewer, DatabasePattern: "sales"})
	require.NoError(t, err)

	require.NoError(t, s.rules.DeleteRule(s.ctx, rule.ID))
	_, err = s.rules.GetRule(s.ctx, rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, s.rules.DeleteRule(s.ctx, rule.ID), ErrRuleNotFound)

	page, err := s.recorder.Search(s.ctx, audit.Filter{ResourceType: "access_rule", ResourceID: rule.ID})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.ElementsMatch(t,
		[]audit.Action{audit.ActionAccessRuleCreate, audit.ActionAccessRuleDelete},
		[]audit.Action{page.Entries[0].Action, page.Entries[1].Action})
}

func TestListRules_Filters(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)
	analyst := s.role(t, rbac.RoleAnalyst)
	user := rbac.CreateTestUser(t, s.ids, "hank", "password-1")

	_, err := s.rules.CreateRule(s.ctx, RuleInput{RoleID: viewer, DatabasePattern: "a", Priority: 1})
	require.NoError(t, err)
	_, err = s.rules.CreateRule(s.ctx, RuleInput{RoleID: viewer, DatabasePattern: "b", Priority: 9})
	require.NoError(t, err)
	_, err = s.rules.CreateRule(s.ctx, RuleInput{RoleID: analyst, DatabasePattern: "c"})
	require.NoError(t, err)
	_, err = s.rules.CreateRule(s.ctx, RuleInput{UserID: user.ID, DatabasePattern: "d"})
	require.NoError(t, err)

	all, err := s.rules.ListRules(s.ctx, RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byRole, err := s.rules.ListRules(s.ctx, RuleFilter{RoleID: viewer})
	require.NoError(t, err)
	require.Len(t, byRole, 2)
	assert.Equal(t, "b", byRole[0].DatabasePattern, "highest priority first")

	byUser, err := s.rules.ListRules(s.ctx, RuleFilter{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "d", byUser[0].DatabasePattern)
}

func TestRulesForPrincipal(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)
	analyst := s.role(t, rbac.RoleAnalyst)
	user := rbac.CreateTestUser(t, s.ids, "ivan", "password-1")
	other := rbac.CreateTestUser(t, s.ids, "judy", "password-1")
	conn := insertConnection(t, s, "primary")
	otherConn := insertConnection(t, s, "replica")

	for _, in := range []RuleInput{
		{RoleID: viewer, DatabasePattern: "global_role"},
		{RoleID: viewer, ConnectionID: conn, DatabasePattern: "conn_role"},
		{RoleID: viewer, ConnectionID: otherConn, DatabasePattern: "other_conn_role"},
		{RoleID: analyst, DatabasePattern: "unheld_role"},
		{UserID: user.ID, DatabasePattern: "own"},
		{UserID: other.ID, DatabasePattern: "someone_else"},
	} {
		_, err := s.rules.CreateRule(s.ctx, in)
		require.NoError(t, err)
	}

	patterns := func(rules []*Rule) []string {
		out := make([]string, 0, len(rules))
		for _, r := range rules {
			out = append(out, r.DatabasePattern)
		}
		return out
	}

	global, err := s.rules.RulesForPrincipal(s.ctx, user.ID, []string{viewer}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"global_role", "own"}, patterns(global))

	scoped, err := s.rules.RulesForPrincipal(s.ctx, user.ID, []string{viewer}, conn)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"global_role", "conn_role", "own"}, patterns(scoped))

	noRoles, err := s.rules.RulesForPrincipal(s.ctx, user.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"own"}, patterns(noRoles))
}

func TestSetRulesForRole_ReplacesAtomically(t *testing.T) {
	s := newScenario(t)
	analyst := s.role(t, rbac.RoleAnalyst)

	_, err := s.rules.CreateRule(s.ctx, RuleInput{RoleID: analyst, DatabasePattern: "old"})
	require.NoError(t, err)

	_, err = s.rules.SetRulesForRole(s.ctx, analyst, []RuleInput{
		{DatabasePattern: "new"},
		{DatabasePattern: "/(/"},
	})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	current, err := s.rules.ListRules(s.ctx, RuleFilter{RoleID: analyst})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "old", current[0].DatabasePattern, "failed replace leaves rules untouched")

	replaced, err := s.rules.SetRulesForRole(s.ctx, analyst, []RuleInput{
		{DatabasePattern: "analytics", Priority: 2},
		{DatabasePattern: "analytics", TablePattern: "pii_*", IsAllowed: boolPtr(false), Priority: 5},
	})
	require.NoError(t, err)
	require.Len(t, replaced, 2)
	for _, r := range replaced {
		assert.Equal(t, analyst, r.RoleID)
	}

	current, err = s.rules.ListRules(s.ctx, RuleFilter{RoleID: analyst})
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "pii_*", current[0].TablePattern)

	cleared, err := s.rules.SetRulesForRole(s.ctx, analyst, nil)
	require.NoError(t, err)
	assert.Empty(t, cleared)

	page, err := s.recorder.Search(s.ctx, audit.Filter{Actions: []audit.Action{audit.ActionAccessRuleReplace}})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
}

func TestSetRulesForUser_OwnerForced(t *testing.T) {
	s := newScenario(t)
	viewer := s.role(t, rbac.RoleViewer)
	user := rbac.CreateTestUser(t, s.ids, "kate", "password-1")

	rules, err := s.rules.SetRulesForUser(s.ctx, user.ID, []RuleInput{{RoleID: viewer, DatabasePattern: "x"}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, user.ID, rules[0].UserID)
	assert.Empty(t, rules[0].RoleID)

	_, err = s.rules.SetRulesForUser(s.ctx, "", nil)
	assert.ErrorIs(t, err, ErrRuleOwner)
}

func TestRulesRemovedWithOwner(t *testing.T) {
	s := newScenario(t)
	user := rbac.CreateTestUser(t, s.ids, "liam", "password-1")
	role, err := s.ids.CreateRole(s.ctx, rbac.CreateRoleInput{Name: "contractors"})
	require.NoError(t, err)

	_, err = s.rules.CreateRule(s.ctx, RuleInput{RoleID: role.ID, DatabasePattern: "contracts"})
	require.NoError(t, err)
	_, err = s.rules.CreateRule(s.ctx, RuleInput{UserID: user.ID, DatabasePattern: "mine"})
	require.NoError(t, err)

	require.NoError(t, s.ids.DeleteRole(s.ctx, role.ID, rbac.DeleteRoleOptions{}))

	rules, err := s.rules.ListRules(s.ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "mine", rules[0].DatabasePattern)
}
