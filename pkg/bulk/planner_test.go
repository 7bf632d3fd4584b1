package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

func importTree() *types.ImportPlan {
	return &types.ImportPlan{
		Parent: "acme",
		Groups: []*types.GroupNode{
			{
				Name: "Platform",
				Path: "platform",
				Projects: []*types.ProjectNode{
					{Name: "API", Path: "api"},
				},
				Subgroups: []*types.GroupNode{
					{
						Path: "infra",
						Projects: []*types.ProjectNode{
							{Path: "terraform"},
						},
					},
				},
			},
			{Path: "sandbox"},
		},
	}
}

func TestPlanImportFlattensParentsFirst(t *testing.T) {
	plan, err := PlanImport(importTree())
	require.NoError(t, err)

	assert.Equal(t, types.JobBulkImport, plan.Kind)
	assert.Equal(t, types.ErrorPolicyContinue, plan.Policy)
	require.Len(t, plan.Tasks, 5)

	byRef := map[string]*Task{}
	for _, task := range plan.Tasks {
		byRef[task.Ref] = task
	}

	root := byRef["acme/platform"]
	require.NotNil(t, root)
	assert.Empty(t, root.ParentRef)
	assert.Equal(t, 0, root.Depth)

	project := byRef["acme/platform/api"]
	require.NotNil(t, project)
	assert.Equal(t, "acme/platform", project.ParentRef)
	assert.Equal(t, 1, project.Depth)

	sub := byRef["acme/platform/infra"]
	require.NotNil(t, sub)
	assert.Equal(t, "acme/platform", sub.ParentRef)
	assert.Equal(t, 1, sub.Depth)

	leaf := byRef["acme/platform/infra/terraform"]
	require.NotNil(t, leaf)
	assert.Equal(t, "acme/platform/infra", leaf.ParentRef)
	assert.Equal(t, 2, leaf.Depth)

	sandbox := byRef["acme/sandbox"]
	require.NotNil(t, sandbox)
	assert.Empty(t, sandbox.ParentRef)

	// Submission order is preserved through Seq.
	for i, task := range plan.Tasks {
		assert.Equal(t, i, task.Seq)
	}
}

func TestPlanImportWithoutParentNamespace(t *testing.T) {
	p := importTree()
	p.Parent = ""
	plan, err := PlanImport(p)
	require.NoError(t, err)
	assert.Equal(t, "platform", plan.Tasks[0].Ref)
	assert.Equal(t, "platform/api", plan.Tasks[1].Ref)
}

func TestPlanImportValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *types.ImportPlan)
	}{
		{"empty plan", func(p *types.ImportPlan) { p.Groups = nil }},
		{"invalid parent", func(p *types.ImportPlan) { p.Parent = "bad parent" }},
		{"group path with spaces", func(p *types.ImportPlan) { p.Groups[0].Path = "pl atform" }},
		{"project path with slash", func(p *types.ImportPlan) { p.Groups[0].Projects[0].Path = "a/b" }},
		{"bad group visibility", func(p *types.ImportPlan) { p.Groups[0].Visibility = "hidden" }},
		{"bad project visibility", func(p *types.ImportPlan) { p.Groups[0].Projects[0].Visibility = "secret" }},
		{"duplicate path", func(p *types.ImportPlan) {
			p.Groups = append(p.Groups, &types.GroupNode{Path: "platform"})
		}},
		{"unknown error policy", func(p *types.ImportPlan) { p.Options.ErrorPolicy = "explode" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := importTree()
			tt.mutate(p)
			_, err := PlanImport(p)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestPlanSettingsExpandsVariables(t *testing.T) {
	plan, err := PlanSettings(&types.SettingsPlan{
		Targets: []*types.SettingsTarget{{
			Ref:  "acme/api",
			Type: types.TargetProject,
			Patch: &types.SettingsPatch{
				Kind:      types.SettingsVariables,
				Variables: map[string]string{"B_KEY": "2", "A_KEY": "1"},
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "acme/api#A_KEY", plan.Tasks[0].Ref)
	assert.Equal(t, "acme/api#B_KEY", plan.Tasks[1].Ref)
	assert.Equal(t, types.JobBulkSettings, plan.Kind)
}

func TestPlanSettingsValidation(t *testing.T) {
	valid := func() *types.SettingsPlan {
		return &types.SettingsPlan{
			Targets: []*types.SettingsTarget{{
				Ref:   "acme/api",
				Type:  types.TargetProject,
				Patch: &types.SettingsPatch{Kind: types.SettingsVisibility, Visibility: "private"},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(p *types.SettingsPlan)
	}{
		{"no targets", func(p *types.SettingsPlan) { p.Targets = nil }},
		{"bad ref", func(p *types.SettingsPlan) { p.Targets[0].Ref = "has space/x" }},
		{"bad type", func(p *types.SettingsPlan) { p.Targets[0].Type = "namespace" }},
		{"nil patch", func(p *types.SettingsPlan) { p.Targets[0].Patch = nil }},
		{"unknown kind", func(p *types.SettingsPlan) { p.Targets[0].Patch.Kind = "theme" }},
		{"empty visibility", func(p *types.SettingsPlan) { p.Targets[0].Patch.Visibility = "" }},
		{"branch without name", func(p *types.SettingsPlan) {
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:   types.SettingsProtectedBranch,
				Branch: &types.ProtectedBranchPatch{PushAccessLevel: 40, MergeAccessLevel: 40},
			}
		}},
		{"branch on group", func(p *types.SettingsPlan) {
			p.Targets[0].Type = types.TargetGroup
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:   types.SettingsProtectedBranch,
				Branch: &types.ProtectedBranchPatch{Name: "main", PushAccessLevel: 40, MergeAccessLevel: 40},
			}
		}},
		{"branch bad level", func(p *types.SettingsPlan) {
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:   types.SettingsProtectedBranch,
				Branch: &types.ProtectedBranchPatch{Name: "main", PushAccessLevel: 35, MergeAccessLevel: 40},
			}
		}},
		{"unknown push rule", func(p *types.SettingsPlan) {
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:      types.SettingsPushRules,
				PushRules: map[string]any{"rejectAll": true},
			}
		}},
		{"bad feature access level", func(p *types.SettingsPlan) {
			p.Targets[0].Patch = &types.SettingsPatch{Kind: types.SettingsAccessLevel, AccessLevel: 40}
		}},
		{"variables on group", func(p *types.SettingsPlan) {
			p.Targets[0].Type = types.TargetGroup
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:      types.SettingsVariables,
				Variables: map[string]string{"K": "v"},
			}
		}},
		{"unknown project setting", func(p *types.SettingsPlan) {
			p.Targets[0].Patch = &types.SettingsPatch{
				Kind:     types.SettingsProject,
				Settings: map[string]any{"starCount": 5},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			_, err := PlanSettings(p)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestPlanDeleteRequiresConfirm(t *testing.T) {
	p := &types.DeletePlan{
		Refs: []*types.DeleteRef{{Ref: "acme/old", Type: types.TargetProject}},
	}
	_, err := PlanDelete(p)
	assert.ErrorIs(t, err, types.ErrValidation)

	p.Confirm = true
	plan, err := PlanDelete(p)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "acme/old", plan.Tasks[0].Ref)
	assert.Equal(t, types.JobBulkDelete, plan.Kind)
}

func TestPlanDeleteValidation(t *testing.T) {
	_, err := PlanDelete(&types.DeletePlan{Confirm: true})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = PlanDelete(&types.DeletePlan{
		Confirm: true,
		Refs:    []*types.DeleteRef{{Ref: "acme/x", Type: "repo"}},
	})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPlanMembers(t *testing.T) {
	plan, err := PlanMembers(&types.MembersPlan{
		Targets: []*types.MemberTarget{
			{Ref: "acme", Type: types.TargetGroup, Username: "alice", AccessLevel: 30},
			{Ref: "acme/api", Type: types.TargetProject, Username: "bob", AccessLevel: 40, ExpiresAt: "2026-12-31"},
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "acme@alice", plan.Tasks[0].Ref)
	assert.Equal(t, "acme/api@bob", plan.Tasks[1].Ref)
}

func TestPlanMembersValidation(t *testing.T) {
	valid := func() *types.MembersPlan {
		return &types.MembersPlan{
			Targets: []*types.MemberTarget{
				{Ref: "acme", Type: types.TargetGroup, Username: "alice", AccessLevel: 30},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(p *types.MembersPlan)
	}{
		{"no targets", func(p *types.MembersPlan) { p.Targets = nil }},
		{"missing username", func(p *types.MembersPlan) { p.Targets[0].Username = "" }},
		{"guest-less level", func(p *types.MembersPlan) { p.Targets[0].AccessLevel = 0 }},
		{"odd level", func(p *types.MembersPlan) { p.Targets[0].AccessLevel = 35 }},
		{"bad expiry", func(p *types.MembersPlan) { p.Targets[0].ExpiresAt = "31-12-2026" }},
		{"bad type", func(p *types.MembersPlan) { p.Targets[0].Type = "team" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			_, err := PlanMembers(p)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}
