package bulk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	glab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// planState holds upstream IDs resolved while a plan runs. Group tasks
// record their ID on success so child tasks can reference them without a
// second lookup.
type planState struct {
	mu  sync.Mutex
	ids map[string]int64
}

func newPlanState() *planState {
	return &planState{ids: make(map[string]int64)}
}

func (s *planState) set(ref string, id int64) {
	s.mu.Lock()
	s.ids[ref] = id
	s.mu.Unlock()
}

func (s *planState) get(ref string) (int64, bool) {
	s.mu.Lock()
	id, ok := s.ids[ref]
	s.mu.Unlock()
	return id, ok
}

// execContext is what an opFunc runs against: a client bound to the
// session's current token plus the shared plan state.
type execContext struct {
	api *glab.Client
	st  *planState
}

// resolveGroupID turns a group full path into its numeric ID, consulting
// the plan state before asking upstream.
func (ex *execContext) resolveGroupID(ctx context.Context, ref string) (int64, error) {
	if id, ok := ex.st.get(ref); ok {
		return id, nil
	}
	g, resp, err := ex.api.Groups.GetGroup(ref, nil, glab.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("resolve group %q: %w", ref, gitlab.ClassifyAPIError(resp, err))
	}
	ex.st.set(ref, g.ID)
	return g.ID, nil
}

// opUpsertGroup creates a group unless one already exists at the full
// path. parentRef names an in-plan parent; rootParent is the namespace the
// whole plan imports under.
func opUpsertGroup(full, parentRef, rootParent string, node *types.GroupNode) opFunc {
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		g, resp, err := ex.api.Groups.GetGroup(full, nil, glab.WithContext(ctx))
		if err == nil {
			ex.st.set(full, g.ID)
			return types.ItemResult{Ref: full, Action: types.ActionSkippedExisting, UpstreamID: g.ID}, nil
		}
		if cerr := gitlab.ClassifyAPIError(resp, err); !errors.Is(cerr, types.ErrNotFound) {
			return types.ItemResult{}, cerr
		}

		name := node.Name
		if name == "" {
			name = node.Path
		}
		opt := &glab.CreateGroupOptions{
			Name: glab.Ptr(name),
			Path: glab.Ptr(node.Path),
		}
		if node.Description != "" {
			opt.Description = glab.Ptr(node.Description)
		}
		if v := gitlab.Visibility(node.Visibility); v != nil {
			opt.Visibility = v
		}

		parent := parentRef
		if parent == "" {
			parent = rootParent
		}
		if parent != "" {
			id, err := ex.resolveGroupID(ctx, parent)
			if err != nil {
				return types.ItemResult{}, err
			}
			opt.ParentID = glab.Ptr(id)
		}

		g, resp, err = ex.api.Groups.CreateGroup(opt, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, fmt.Errorf("create group %q: %w", full, gitlab.ClassifyAPIError(resp, err))
		}
		ex.st.set(full, g.ID)
		return types.ItemResult{Ref: full, Action: types.ActionCreated, UpstreamID: g.ID}, nil
	}
}

// opUpsertProject creates a project inside its parent group unless the
// full path is already taken.
func opUpsertProject(full, parentRef string, node *types.ProjectNode) opFunc {
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		p, resp, err := ex.api.Projects.GetProject(full, nil, glab.WithContext(ctx))
		if err == nil {
			ex.st.set(full, p.ID)
			return types.ItemResult{Ref: full, Action: types.ActionSkippedExisting, UpstreamID: p.ID}, nil
		}
		if cerr := gitlab.ClassifyAPIError(resp, err); !errors.Is(cerr, types.ErrNotFound) {
			return types.ItemResult{}, cerr
		}

		nsID, err := ex.resolveGroupID(ctx, parentRef)
		if err != nil {
			return types.ItemResult{}, err
		}

		name := node.Name
		if name == "" {
			name = node.Path
		}
		opt := &glab.CreateProjectOptions{
			Name:        glab.Ptr(name),
			Path:        glab.Ptr(node.Path),
			NamespaceID: glab.Ptr(nsID),
		}
		if node.Description != "" {
			opt.Description = glab.Ptr(node.Description)
		}
		if v := gitlab.Visibility(node.Visibility); v != nil {
			opt.Visibility = v
		}
		if node.DefaultBranch != "" {
			opt.DefaultBranch = glab.Ptr(node.DefaultBranch)
			opt.InitializeWithReadme = glab.Ptr(true)
		}

		p, resp, err = ex.api.Projects.CreateProject(opt, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, fmt.Errorf("create project %q: %w", full, gitlab.ClassifyAPIError(resp, err))
		}
		ex.st.set(full, p.ID)
		return types.ItemResult{Ref: full, Action: types.ActionCreated, UpstreamID: p.ID}, nil
	}
}

// opApplySettings dispatches one settings patch to its concrete operation.
func opApplySettings(target *types.SettingsTarget) opFunc {
	switch target.Patch.Kind {
	case types.SettingsVisibility:
		return opSetVisibility(target)
	case types.SettingsProtectedBranch:
		return opProtectBranch(target)
	case types.SettingsPushRules:
		return opApplyPushRules(target)
	case types.SettingsAccessLevel:
		return opSetFeatureAccess(target)
	case types.SettingsTopics:
		return opSetTopics(target)
	case types.SettingsProject:
		return opEditProject(target)
	}
	return func(context.Context, *execContext) (types.ItemResult, error) {
		return types.ItemResult{}, fmt.Errorf("unhandled settings kind %q: %w", target.Patch.Kind, types.ErrInternal)
	}
}

// opSetVisibility reads the current visibility first and only writes on
// drift.
func opSetVisibility(target *types.SettingsTarget) opFunc {
	want := glab.VisibilityValue(target.Patch.Visibility)
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		if target.Type == types.TargetGroup {
			g, resp, err := ex.api.Groups.GetGroup(target.Ref, nil, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			if g.Visibility == want {
				return types.ItemResult{Ref: target.Ref, Action: types.ActionSkippedExisting, UpstreamID: g.ID}, nil
			}
			g, resp, err = ex.api.Groups.UpdateGroup(target.Ref, &glab.UpdateGroupOptions{Visibility: &want}, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated, UpstreamID: g.ID}, nil
		}

		p, resp, err := ex.api.Projects.GetProject(target.Ref, nil, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		if p.Visibility == want {
			return types.ItemResult{Ref: target.Ref, Action: types.ActionSkippedExisting, UpstreamID: p.ID}, nil
		}
		p, resp, err = ex.api.Projects.EditProject(target.Ref, &glab.EditProjectOptions{Visibility: &want}, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated, UpstreamID: p.ID}, nil
	}
}

// opProtectBranch compares the live protection rule against the patch and
// writes only when they differ. A missing rule is created.
func opProtectBranch(target *types.SettingsTarget) opFunc {
	patch := target.Patch.Branch
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		pb, resp, err := ex.api.ProtectedBranches.GetProtectedBranch(target.Ref, patch.Name, glab.WithContext(ctx))
		cerr := gitlab.ClassifyAPIError(resp, err)
		switch {
		case err == nil:
			if branchMatches(pb, patch) {
				return types.ItemResult{Ref: target.Ref, Action: types.ActionSkippedExisting}, nil
			}
			// Rewriting the rule atomically needs a delete and recreate;
			// the update endpoint cannot lower existing access levels.
			resp, err = ex.api.ProtectedBranches.UnprotectRepositoryBranches(target.Ref, patch.Name, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
		case errors.Is(cerr, types.ErrNotFound):
			// fall through to protect
		default:
			return types.ItemResult{}, cerr
		}

		opt := &glab.ProtectRepositoryBranchesOptions{
			Name:             glab.Ptr(patch.Name),
			PushAccessLevel:  gitlab.AccessLevel(patch.PushAccessLevel),
			MergeAccessLevel: gitlab.AccessLevel(patch.MergeAccessLevel),
			AllowForcePush:   glab.Ptr(patch.AllowForcePush),
		}
		_, resp, err = ex.api.ProtectedBranches.ProtectRepositoryBranches(target.Ref, opt, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated}, nil
	}
}

func branchMatches(pb *glab.ProtectedBranch, patch *types.ProtectedBranchPatch) bool {
	if pb.AllowForcePush != patch.AllowForcePush {
		return false
	}
	return accessLevelsMatch(pb.PushAccessLevels, patch.PushAccessLevel) &&
		accessLevelsMatch(pb.MergeAccessLevels, patch.MergeAccessLevel)
}

func accessLevelsMatch(levels []*glab.BranchAccessDescription, want int) bool {
	if len(levels) != 1 {
		return false
	}
	return levels[0].AccessLevel == glab.AccessLevelValue(want)
}

// pushRulePayload is the wire shape of a project push rule. The raw
// request path keeps one struct for create and update.
type pushRulePayload struct {
	CommitMessageRegex *string `json:"commit_message_regex,omitempty"`
	BranchNameRegex    *string `json:"branch_name_regex,omitempty"`
	DenyDeleteTag      *bool   `json:"deny_delete_tag,omitempty"`
	MemberCheck        *bool   `json:"member_check,omitempty"`
	PreventSecrets     *bool   `json:"prevent_secrets,omitempty"`
	MaxFileSize        *int64  `json:"max_file_size,omitempty"`
}

func buildPushRulePayload(rules map[string]any) *pushRulePayload {
	p := &pushRulePayload{}
	if v, ok := rules["commitMessageRegex"].(string); ok {
		p.CommitMessageRegex = glab.Ptr(v)
	}
	if v, ok := rules["branchNameRegex"].(string); ok {
		p.BranchNameRegex = glab.Ptr(v)
	}
	if v, ok := rules["denyDeleteTag"].(bool); ok {
		p.DenyDeleteTag = glab.Ptr(v)
	}
	if v, ok := rules["memberCheck"].(bool); ok {
		p.MemberCheck = glab.Ptr(v)
	}
	if v, ok := rules["preventSecrets"].(bool); ok {
		p.PreventSecrets = glab.Ptr(v)
	}
	if v, ok := rules["maxFileSize"].(float64); ok {
		p.MaxFileSize = glab.Ptr(int64(v))
	}
	return p
}

// opApplyPushRules creates the project's push rule when none exists and
// updates it otherwise.
func opApplyPushRules(target *types.SettingsTarget) opFunc {
	payload := buildPushRulePayload(target.Patch.PushRules)
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		pid, err := resolveProjectID(ctx, ex, target.Ref)
		if err != nil {
			return types.ItemResult{}, err
		}
		path := fmt.Sprintf("projects/%d/push_rule", pid)

		var existing struct {
			ID int64 `json:"id"`
		}
		req, err := ex.api.NewRequest(http.MethodGet, path, nil, []glab.RequestOptionFunc{glab.WithContext(ctx)})
		if err != nil {
			return types.ItemResult{}, fmt.Errorf("build push rule request: %w", types.ErrInternal)
		}
		resp, err := ex.api.Do(req, &existing)
		cerr := gitlab.ClassifyAPIError(resp, err)

		method := http.MethodPut
		action := types.ActionUpdated
		switch {
		case err == nil && existing.ID != 0:
			// rule exists, update in place
		case err == nil, errors.Is(cerr, types.ErrNotFound):
			method = http.MethodPost
			action = types.ActionCreated
		default:
			return types.ItemResult{}, cerr
		}

		req, err = ex.api.NewRequest(method, path, payload, []glab.RequestOptionFunc{glab.WithContext(ctx)})
		if err != nil {
			return types.ItemResult{}, fmt.Errorf("build push rule request: %w", types.ErrInternal)
		}
		if resp, err = ex.api.Do(req, nil); err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: action, UpstreamID: pid}, nil
	}
}

// opSetFeatureAccess maps a numeric level onto the project's core feature
// toggles: 0 disables, 10 restricts to members, 20 opens them up.
func opSetFeatureAccess(target *types.SettingsTarget) opFunc {
	level := accessControl(target.Patch.AccessLevel)
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		opt := &glab.EditProjectOptions{
			IssuesAccessLevel:        level,
			MergeRequestsAccessLevel: level,
			WikiAccessLevel:          level,
			SnippetsAccessLevel:      level,
		}
		p, resp, err := ex.api.Projects.EditProject(target.Ref, opt, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated, UpstreamID: p.ID}, nil
	}
}

func accessControl(level int) *glab.AccessControlValue {
	var v glab.AccessControlValue
	switch level {
	case 0:
		v = glab.DisabledAccessControl
	case 10:
		v = glab.PrivateAccessControl
	default:
		v = glab.EnabledAccessControl
	}
	return &v
}

// opSetTopics replaces the project topic list, skipping when the live set
// already matches.
func opSetTopics(target *types.SettingsTarget) opFunc {
	want := append([]string(nil), target.Patch.Topics...)
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		p, resp, err := ex.api.Projects.GetProject(target.Ref, nil, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		if sameTopicSet(p.Topics, want) {
			return types.ItemResult{Ref: target.Ref, Action: types.ActionSkippedExisting, UpstreamID: p.ID}, nil
		}
		p, resp, err = ex.api.Projects.EditProject(target.Ref, &glab.EditProjectOptions{Topics: &want}, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated, UpstreamID: p.ID}, nil
	}
}

func sameTopicSet(have, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// opEditProject applies a generic settings patch. The planner vets the key
// set; unknown keys never reach here.
func opEditProject(target *types.SettingsTarget) opFunc {
	opt := &glab.EditProjectOptions{}
	settings := target.Patch.Settings
	if v, ok := settings["description"].(string); ok {
		opt.Description = glab.Ptr(v)
	}
	if v, ok := settings["defaultBranch"].(string); ok {
		opt.DefaultBranch = glab.Ptr(v)
	}
	if v, ok := settings["mergeMethod"].(string); ok {
		m := glab.MergeMethodValue(v)
		opt.MergeMethod = &m
	}
	if v, ok := settings["requestAccessEnabled"].(bool); ok {
		opt.RequestAccessEnabled = glab.Ptr(v)
	}
	if v, ok := settings["lfsEnabled"].(bool); ok {
		opt.LFSEnabled = glab.Ptr(v)
	}
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		p, resp, err := ex.api.Projects.EditProject(target.Ref, opt, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		return types.ItemResult{Ref: target.Ref, Action: types.ActionUpdated, UpstreamID: p.ID}, nil
	}
}

// opUpsertVariable creates or updates one CI variable. The task ref keys
// project and variable as "path#KEY".
func opUpsertVariable(projectRef, key, value string) opFunc {
	ref := projectRef + "#" + key
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		v, resp, err := ex.api.ProjectVariables.GetVariable(projectRef, key, nil, glab.WithContext(ctx))
		cerr := gitlab.ClassifyAPIError(resp, err)
		switch {
		case err == nil:
			if v.Value == value {
				return types.ItemResult{Ref: ref, Action: types.ActionSkippedExisting}, nil
			}
			_, resp, err = ex.api.ProjectVariables.UpdateVariable(projectRef, key,
				&glab.UpdateProjectVariableOptions{Value: glab.Ptr(value)}, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			return types.ItemResult{Ref: ref, Action: types.ActionUpdated}, nil
		case errors.Is(cerr, types.ErrNotFound):
			_, resp, err = ex.api.ProjectVariables.CreateVariable(projectRef,
				&glab.CreateProjectVariableOptions{Key: glab.Ptr(key), Value: glab.Ptr(value)}, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			return types.ItemResult{Ref: ref, Action: types.ActionCreated}, nil
		}
		return types.ItemResult{}, cerr
	}
}

// opDelete removes a group or project. A target that is already gone
// counts as skipped, not failed.
func opDelete(ref *types.DeleteRef) opFunc {
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		var (
			resp *glab.Response
			err  error
		)
		if ref.Type == types.TargetGroup {
			resp, err = ex.api.Groups.DeleteGroup(ref.Ref, nil, glab.WithContext(ctx))
		} else {
			resp, err = ex.api.Projects.DeleteProject(ref.Ref, nil, glab.WithContext(ctx))
		}
		if err != nil {
			cerr := gitlab.ClassifyAPIError(resp, err)
			if errors.Is(cerr, types.ErrNotFound) {
				return types.ItemResult{Ref: ref.Ref, Action: types.ActionSkippedExisting}, nil
			}
			return types.ItemResult{}, cerr
		}
		return types.ItemResult{Ref: ref.Ref, Action: types.ActionDeleted}, nil
	}
}

// opUpsertMember grants or adjusts one user's membership on a group or
// project. Matching access level means nothing to do.
func opUpsertMember(target *types.MemberTarget) opFunc {
	itemRef := target.Ref + "@" + target.Username
	want := glab.AccessLevelValue(target.AccessLevel)
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		users, resp, err := ex.api.Users.ListUsers(&glab.ListUsersOptions{Username: glab.Ptr(target.Username)}, glab.WithContext(ctx))
		if err != nil {
			return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
		}
		if len(users) == 0 {
			return types.ItemResult{}, fmt.Errorf("user %q not found: %w", target.Username, types.ErrNotFound)
		}
		uid := users[0].ID

		var expires *string
		if target.ExpiresAt != "" {
			expires = glab.Ptr(target.ExpiresAt)
		}

		if target.Type == types.TargetGroup {
			m, resp, err := ex.api.GroupMembers.GetGroupMember(target.Ref, uid, glab.WithContext(ctx))
			cerr := gitlab.ClassifyAPIError(resp, err)
			switch {
			case err == nil:
				if m.AccessLevel == want {
					return types.ItemResult{Ref: itemRef, Action: types.ActionSkippedExisting, UpstreamID: uid}, nil
				}
				_, resp, err = ex.api.GroupMembers.EditGroupMember(target.Ref, uid,
					&glab.EditGroupMemberOptions{AccessLevel: &want, ExpiresAt: expires}, glab.WithContext(ctx))
				if err != nil {
					return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
				}
				return types.ItemResult{Ref: itemRef, Action: types.ActionUpdated, UpstreamID: uid}, nil
			case errors.Is(cerr, types.ErrNotFound):
				_, resp, err = ex.api.GroupMembers.AddGroupMember(target.Ref,
					&glab.AddGroupMemberOptions{UserID: glab.Ptr(uid), AccessLevel: &want, ExpiresAt: expires}, glab.WithContext(ctx))
				if err != nil {
					return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
				}
				return types.ItemResult{Ref: itemRef, Action: types.ActionCreated, UpstreamID: uid}, nil
			}
			return types.ItemResult{}, cerr
		}

		m, resp, err := ex.api.ProjectMembers.GetProjectMember(target.Ref, uid, glab.WithContext(ctx))
		cerr := gitlab.ClassifyAPIError(resp, err)
		switch {
		case err == nil:
			if m.AccessLevel == want {
				return types.ItemResult{Ref: itemRef, Action: types.ActionSkippedExisting, UpstreamID: uid}, nil
			}
			_, resp, err = ex.api.ProjectMembers.EditProjectMember(target.Ref, uid,
				&glab.EditProjectMemberOptions{AccessLevel: &want, ExpiresAt: expires}, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			return types.ItemResult{Ref: itemRef, Action: types.ActionUpdated, UpstreamID: uid}, nil
		case errors.Is(cerr, types.ErrNotFound):
			_, resp, err = ex.api.ProjectMembers.AddProjectMember(target.Ref,
				&glab.AddProjectMemberOptions{UserID: uid, AccessLevel: &want, ExpiresAt: expires}, glab.WithContext(ctx))
			if err != nil {
				return types.ItemResult{}, gitlab.ClassifyAPIError(resp, err)
			}
			return types.ItemResult{Ref: itemRef, Action: types.ActionCreated, UpstreamID: uid}, nil
		}
		return types.ItemResult{}, cerr
	}
}

// resolveProjectID maps a project full path to its numeric ID.
func resolveProjectID(ctx context.Context, ex *execContext, ref string) (int64, error) {
	if id, ok := ex.st.get(ref); ok {
		return id, nil
	}
	p, resp, err := ex.api.Projects.GetProject(ref, nil, glab.WithContext(ctx))
	if err != nil {
		return 0, gitlab.ClassifyAPIError(resp, err)
	}
	ex.st.set(ref, p.ID)
	return p.ID, nil
}
