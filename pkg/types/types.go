package types

import (
	"time"
)

// User is the cached GitLab profile of the token owner.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	IsAdmin   bool   `json:"isAdmin"`
}

// Session represents an authenticated browser session. The personal access
// token behind it lives in the session vault, never on this value.
type Session struct {
	ID        string
	BaseURL   string // GitLab instance base URL (e.g. https://gitlab.example.com)
	User      *User
	CreatedAt time.Time
	LastSeen  time.Time
}

// JobKind identifies the engine responsible for a job.
type JobKind string

const (
	JobBulkImport   JobKind = "bulk-import"
	JobBulkSettings JobKind = "bulk-settings"
	JobBulkDelete   JobKind = "bulk-delete"
	JobBulkMembers  JobKind = "bulk-members"
	JobSvnMigration JobKind = "svn-migration"
	JobSvnSync      JobKind = "svn-sync"
	JobSvnBulk      JobKind = "bulk-svn-migration"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateRunning    JobState = "running"
	JobStatePaused     JobState = "paused"
	JobStateCancelling JobState = "cancelling"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is the unit of tracked work. The registry is its sole mutator; every
// other component sees copies. Params carry kind-specific inputs (including
// SVN credentials for migrations) and are excluded from serialization.
type Job struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	SessionID string     `json:"-"`
	State     JobState   `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// Results is a bounded ring of the most recent item results; the full
	// stream is only available live on the progress bus.
	Results []*ItemResult `json:"results,omitempty"`

	Error     *ErrorInfo       `json:"error,omitempty"`
	Migration *MigrationStatus `json:"migration,omitempty"`

	// ParentID links child migrations spawned by a bulk-svn-migration job.
	ParentID string `json:"parentId,omitempty"`

	Params any `json:"-"`
}

// ItemAction classifies the outcome of one planned item.
type ItemAction string

const (
	ActionCreated         ItemAction = "created"
	ActionUpdated         ItemAction = "updated"
	ActionSkippedExisting ItemAction = "skipped-existing"
	ActionDeleted         ItemAction = "deleted"
	ActionFailed          ItemAction = "failed"
	ActionCancelled       ItemAction = "cancelled"
)

// ItemResult records the terminal outcome of a single planned item. Every
// planned item produces exactly one.
type ItemResult struct {
	Ref        string     `json:"ref"` // source identifier (full path, SVN URL, ...)
	Action     ItemAction `json:"action"`
	UpstreamID int64      `json:"upstreamId,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the serializable form of a classified error.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EventKind identifies a progress bus event.
type EventKind string

const (
	EventProgress     EventKind = "progress"
	EventLog          EventKind = "log"
	EventState        EventKind = "state"
	EventNeedsAuthors EventKind = "needs-authors"
	EventLag          EventKind = "lag"
	EventDropped      EventKind = "dropped"
	EventTerminal     EventKind = "terminal"
)

// Event is one message on a progress topic. Seq is assigned by the bus and
// strictly increases per topic.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Topic     string         `json:"topic"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	JobID     string         `json:"jobId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorPolicy controls bulk behavior after an unretryable item failure.
type ErrorPolicy string

const (
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicyStop     ErrorPolicy = "stop-on-first-error"
)

// BulkOptions are common knobs accepted with every bulk plan.
type BulkOptions struct {
	ErrorPolicy ErrorPolicy `json:"errorPolicy,omitempty"`
}

// ImportPlan describes a group/project tree to provision. Parent optionally
// roots the tree under an existing group full path.
type ImportPlan struct {
	Parent  string       `json:"parent,omitempty"`
	Groups  []*GroupNode `json:"groups"`
	Options BulkOptions  `json:"options,omitempty"`
}

// GroupNode is one group in an import tree.
type GroupNode struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Description string         `json:"description,omitempty"`
	Visibility  string         `json:"visibility,omitempty"`
	Subgroups   []*GroupNode   `json:"subgroups,omitempty"`
	Projects    []*ProjectNode `json:"projects,omitempty"`
}

// ProjectNode is one project in an import tree.
type ProjectNode struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	Description   string `json:"description,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// SettingsKind selects which aspect of a target a patch mutates.
type SettingsKind string

const (
	SettingsVisibility      SettingsKind = "visibility"
	SettingsProtectedBranch SettingsKind = "protected-branch"
	SettingsPushRules       SettingsKind = "push-rules"
	SettingsAccessLevel     SettingsKind = "access-level"
	SettingsTopics          SettingsKind = "topics"
	SettingsVariables       SettingsKind = "ci-variables"
	SettingsProject         SettingsKind = "project-settings"
)

// TargetType distinguishes group and project targets.
type TargetType string

const (
	TargetGroup   TargetType = "group"
	TargetProject TargetType = "project"
)

// SettingsPlan applies one patch kind across many targets.
type SettingsPlan struct {
	Targets []*SettingsTarget `json:"targets"`
	Options BulkOptions       `json:"options,omitempty"`
}

// SettingsTarget pairs a group or project full path with its patch.
type SettingsTarget struct {
	Ref   string         `json:"ref"`
	Type  TargetType     `json:"type"`
	Patch *SettingsPatch `json:"patch"`
}

// SettingsPatch carries the fields for exactly one SettingsKind.
type SettingsPatch struct {
	Kind        SettingsKind          `json:"kind"`
	Visibility  string                `json:"visibility,omitempty"`
	Branch      *ProtectedBranchPatch `json:"branch,omitempty"`
	PushRules   map[string]any        `json:"pushRules,omitempty"`
	AccessLevel int                   `json:"accessLevel,omitempty"`
	Topics      []string              `json:"topics,omitempty"`
	Variables   map[string]string     `json:"variables,omitempty"`
	Settings    map[string]any        `json:"settings,omitempty"`
}

// ProtectedBranchPatch describes the desired protection for one branch name.
type ProtectedBranchPatch struct {
	Name             string `json:"name"`
	PushAccessLevel  int    `json:"pushAccessLevel"`
	MergeAccessLevel int    `json:"mergeAccessLevel"`
	AllowForcePush   bool   `json:"allowForcePush,omitempty"`
}

// DeleteRef is one deletion target.
type DeleteRef struct {
	Ref  string     `json:"ref"`
	Type TargetType `json:"type"`
}

// DeletePlan lists targets to remove. Confirm must be true or the plan is
// rejected at validation.
type DeletePlan struct {
	Refs    []*DeleteRef `json:"refs"`
	Confirm bool         `json:"confirm"`
	Options BulkOptions  `json:"options,omitempty"`
}

// MembersPlan grants or updates membership across many targets.
type MembersPlan struct {
	Targets []*MemberTarget `json:"targets"`
	Options BulkOptions     `json:"options,omitempty"`
}

// MemberTarget adds one user to one group or project.
type MemberTarget struct {
	Ref         string     `json:"ref"`
	Type        TargetType `json:"type"`
	Username    string     `json:"username"`
	AccessLevel int        `json:"accessLevel"`
	ExpiresAt   string     `json:"expiresAt,omitempty"` // ISO date, optional
}
