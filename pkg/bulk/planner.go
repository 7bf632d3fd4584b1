package bulk

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// Plan is a validated, flattened bulk workload ready for the engine. It
// travels in Job.Params and never serializes.
type Plan struct {
	Kind   types.JobKind
	Tasks  []*Task
	Policy types.ErrorPolicy
}

// Task is one planned upstream operation. Depth and Seq drive the
// parents-first queue order; ParentRef gates dispatch until the parent's
// upstream ID is known.
type Task struct {
	Ref       string
	ParentRef string
	Depth     int
	Seq       int

	attempts int
	op       opFunc
}

type opFunc func(ctx context.Context, ex *execContext) (types.ItemResult, error)

// pathRe matches one GitLab namespace path segment.
var pathRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func validSegment(s string) bool { return pathRe.MatchString(s) }

func validRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, seg := range strings.Split(ref, "/") {
		if !validSegment(seg) {
			return false
		}
	}
	return true
}

func validVisibility(v string) bool {
	switch v {
	case "", "private", "internal", "public":
		return true
	}
	return false
}

func validTargetType(t types.TargetType) bool {
	return t == types.TargetGroup || t == types.TargetProject
}

func normalizePolicy(opts types.BulkOptions) (types.ErrorPolicy, error) {
	switch opts.ErrorPolicy {
	case "":
		return types.ErrorPolicyContinue, nil
	case types.ErrorPolicyContinue, types.ErrorPolicyStop:
		return opts.ErrorPolicy, nil
	}
	return "", fmt.Errorf("unknown errorPolicy %q: %w", opts.ErrorPolicy, types.ErrValidation)
}

// PlanImport validates an import tree and flattens it into tasks, parents
// before children. Full paths double as natural keys and must be unique
// across groups and projects.
func PlanImport(p *types.ImportPlan) (*Plan, error) {
	if p == nil || len(p.Groups) == 0 {
		return nil, fmt.Errorf("import plan has no groups: %w", types.ErrValidation)
	}
	if p.Parent != "" && !validRef(p.Parent) {
		return nil, fmt.Errorf("invalid parent path %q: %w", p.Parent, types.ErrValidation)
	}
	policy, err := normalizePolicy(p.Options)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: types.JobBulkImport, Policy: policy}
	seen := map[string]struct{}{}
	seq := 0

	var walk func(nodes []*types.GroupNode, parentRef string, depth int) error
	walk = func(nodes []*types.GroupNode, parentRef string, depth int) error {
		for _, node := range nodes {
			if node == nil || !validSegment(node.Path) {
				return fmt.Errorf("invalid group path %q: %w", nodePath(node), types.ErrValidation)
			}
			if !validVisibility(node.Visibility) {
				return fmt.Errorf("invalid visibility %q for group %q: %w", node.Visibility, node.Path, types.ErrValidation)
			}

			base := parentRef
			if base == "" {
				base = p.Parent
			}
			full := joinPath(base, node.Path)
			if _, dup := seen[full]; dup {
				return fmt.Errorf("duplicate path %q in plan: %w", full, types.ErrValidation)
			}
			seen[full] = struct{}{}

			plan.Tasks = append(plan.Tasks, &Task{
				Ref:       full,
				ParentRef: parentRef,
				Depth:     depth,
				Seq:       seq,
				op:        opUpsertGroup(full, parentRef, p.Parent, node),
			})
			seq++

			for _, proj := range node.Projects {
				if proj == nil || !validSegment(proj.Path) {
					return fmt.Errorf("invalid project path in group %q: %w", full, types.ErrValidation)
				}
				if !validVisibility(proj.Visibility) {
					return fmt.Errorf("invalid visibility %q for project %q: %w", proj.Visibility, proj.Path, types.ErrValidation)
				}
				projFull := joinPath(full, proj.Path)
				if _, dup := seen[projFull]; dup {
					return fmt.Errorf("duplicate path %q in plan: %w", projFull, types.ErrValidation)
				}
				seen[projFull] = struct{}{}

				plan.Tasks = append(plan.Tasks, &Task{
					Ref:       projFull,
					ParentRef: full,
					Depth:     depth + 1,
					Seq:       seq,
					op:        opUpsertProject(projFull, full, proj),
				})
				seq++
			}

			if err := walk(node.Subgroups, full, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(p.Groups, "", 0); err != nil {
		return nil, err
	}
	return plan, nil
}

// nodePath is nil-safe for error messages.
func nodePath(n *types.GroupNode) string {
	if n == nil {
		return "<nil>"
	}
	return n.Path
}

func joinPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "/" + seg
}

// PlanSettings validates a settings batch. Every target becomes one flat
// task, except ci-variables which expand to one task per variable key.
func PlanSettings(p *types.SettingsPlan) (*Plan, error) {
	if p == nil || len(p.Targets) == 0 {
		return nil, fmt.Errorf("settings plan has no targets: %w", types.ErrValidation)
	}
	policy, err := normalizePolicy(p.Options)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: types.JobBulkSettings, Policy: policy}
	seq := 0
	for i, target := range p.Targets {
		if target == nil || !validRef(target.Ref) {
			return nil, fmt.Errorf("settings target %d has an invalid ref: %w", i, types.ErrValidation)
		}
		if !validTargetType(target.Type) {
			return nil, fmt.Errorf("settings target %q has unknown type %q: %w", target.Ref, target.Type, types.ErrValidation)
		}
		patch := target.Patch
		if patch == nil {
			return nil, fmt.Errorf("settings target %q has no patch: %w", target.Ref, types.ErrValidation)
		}

		switch patch.Kind {
		case types.SettingsVisibility:
			if patch.Visibility == "" || !validVisibility(patch.Visibility) {
				return nil, fmt.Errorf("target %q: invalid visibility %q: %w", target.Ref, patch.Visibility, types.ErrValidation)
			}
		case types.SettingsProtectedBranch:
			if target.Type != types.TargetProject {
				return nil, fmt.Errorf("target %q: protected branches apply to projects only: %w", target.Ref, types.ErrValidation)
			}
			if patch.Branch == nil || patch.Branch.Name == "" {
				return nil, fmt.Errorf("target %q: protected-branch patch needs a branch name: %w", target.Ref, types.ErrValidation)
			}
			if !validAccessLevel(patch.Branch.PushAccessLevel) || !validAccessLevel(patch.Branch.MergeAccessLevel) {
				return nil, fmt.Errorf("target %q: invalid branch access level: %w", target.Ref, types.ErrValidation)
			}
		case types.SettingsPushRules:
			if target.Type != types.TargetProject || len(patch.PushRules) == 0 {
				return nil, fmt.Errorf("target %q: push rules need a project and a non-empty rule set: %w", target.Ref, types.ErrValidation)
			}
			if err := checkPushRuleKeys(patch.PushRules); err != nil {
				return nil, fmt.Errorf("target %q: %w", target.Ref, err)
			}
		case types.SettingsAccessLevel:
			if target.Type != types.TargetProject {
				return nil, fmt.Errorf("target %q: feature access levels apply to projects only: %w", target.Ref, types.ErrValidation)
			}
			switch patch.AccessLevel {
			case 0, 10, 20:
			default:
				return nil, fmt.Errorf("target %q: access level must be 0, 10 or 20: %w", target.Ref, types.ErrValidation)
			}
		case types.SettingsTopics:
			if target.Type != types.TargetProject {
				return nil, fmt.Errorf("target %q: topics apply to projects only: %w", target.Ref, types.ErrValidation)
			}
		case types.SettingsVariables:
			if target.Type != types.TargetProject || len(patch.Variables) == 0 {
				return nil, fmt.Errorf("target %q: ci-variables need a project and at least one variable: %w", target.Ref, types.ErrValidation)
			}
		case types.SettingsProject:
			if target.Type != types.TargetProject || len(patch.Settings) == 0 {
				return nil, fmt.Errorf("target %q: project settings need a project and a non-empty patch: %w", target.Ref, types.ErrValidation)
			}
			if err := checkProjectSettingKeys(patch.Settings); err != nil {
				return nil, fmt.Errorf("target %q: %w", target.Ref, err)
			}
		default:
			return nil, fmt.Errorf("target %q: unknown settings kind %q: %w", target.Ref, patch.Kind, types.ErrValidation)
		}

		if patch.Kind == types.SettingsVariables {
			for _, key := range sortedKeys(patch.Variables) {
				plan.Tasks = append(plan.Tasks, &Task{
					Ref: target.Ref + "#" + key,
					Seq: seq,
					op:  opUpsertVariable(target.Ref, key, patch.Variables[key]),
				})
				seq++
			}
			continue
		}

		plan.Tasks = append(plan.Tasks, &Task{
			Ref: target.Ref,
			Seq: seq,
			op:  opApplySettings(target),
		})
		seq++
	}
	return plan, nil
}

// PlanDelete refuses unconfirmed plans outright.
func PlanDelete(p *types.DeletePlan) (*Plan, error) {
	if p == nil || len(p.Refs) == 0 {
		return nil, fmt.Errorf("delete plan has no targets: %w", types.ErrValidation)
	}
	if !p.Confirm {
		return nil, fmt.Errorf("delete plan requires confirm=true: %w", types.ErrValidation)
	}
	policy, err := normalizePolicy(p.Options)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: types.JobBulkDelete, Policy: policy}
	for i, ref := range p.Refs {
		if ref == nil || !validRef(ref.Ref) {
			return nil, fmt.Errorf("delete target %d has an invalid ref: %w", i, types.ErrValidation)
		}
		if !validTargetType(ref.Type) {
			return nil, fmt.Errorf("delete target %q has unknown type %q: %w", ref.Ref, ref.Type, types.ErrValidation)
		}
		plan.Tasks = append(plan.Tasks, &Task{
			Ref: ref.Ref,
			Seq: i,
			op:  opDelete(ref),
		})
	}
	return plan, nil
}

// PlanMembers validates a membership batch.
func PlanMembers(p *types.MembersPlan) (*Plan, error) {
	if p == nil || len(p.Targets) == 0 {
		return nil, fmt.Errorf("members plan has no targets: %w", types.ErrValidation)
	}
	policy, err := normalizePolicy(p.Options)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: types.JobBulkMembers, Policy: policy}
	for i, target := range p.Targets {
		if target == nil || !validRef(target.Ref) {
			return nil, fmt.Errorf("member target %d has an invalid ref: %w", i, types.ErrValidation)
		}
		if !validTargetType(target.Type) {
			return nil, fmt.Errorf("member target %q has unknown type %q: %w", target.Ref, target.Type, types.ErrValidation)
		}
		if target.Username == "" {
			return nil, fmt.Errorf("member target %q needs a username: %w", target.Ref, types.ErrValidation)
		}
		if !validAccessLevel(target.AccessLevel) || target.AccessLevel < 10 {
			return nil, fmt.Errorf("member target %q: invalid access level %d: %w", target.Ref, target.AccessLevel, types.ErrValidation)
		}
		if target.ExpiresAt != "" {
			if _, err := time.Parse("2006-01-02", target.ExpiresAt); err != nil {
				return nil, fmt.Errorf("member target %q: expiresAt must be YYYY-MM-DD: %w", target.Ref, types.ErrValidation)
			}
		}
		plan.Tasks = append(plan.Tasks, &Task{
			Ref: target.Ref + "@" + target.Username,
			Seq: i,
			op:  opUpsertMember(target),
		})
	}
	return plan, nil
}

// validAccessLevel accepts GitLab's named levels.
func validAccessLevel(level int) bool {
	switch level {
	case 0, 10, 20, 30, 40, 50, 60:
		return true
	}
	return false
}

var pushRuleKeys = map[string]struct{}{
	"commitMessageRegex": {},
	"branchNameRegex":    {},
	"denyDeleteTag":      {},
	"memberCheck":        {},
	"preventSecrets":     {},
	"maxFileSize":        {},
}

func checkPushRuleKeys(rules map[string]any) error {
	for k := range rules {
		if _, ok := pushRuleKeys[k]; !ok {
			return fmt.Errorf("unknown push rule %q: %w", k, types.ErrValidation)
		}
	}
	return nil
}

var projectSettingKeys = map[string]struct{}{
	"description":          {},
	"defaultBranch":        {},
	"mergeMethod":          {},
	"requestAccessEnabled": {},
	"lfsEnabled":           {},
}

func checkProjectSettingKeys(settings map[string]any) error {
	for k := range settings {
		if _, ok := projectSettingKeys[k]; !ok {
			return fmt.Errorf("unknown project setting %q: %w", k, types.ErrValidation)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
