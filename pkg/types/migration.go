package types

// SvnConnection describes how to reach a Subversion repository. Password is
// deliberately excluded from serialization; it is sealed in memory and only
// handed to the svn/git subprocesses.
type SvnConnection struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// SvnInfo is what a connection test reports back.
type SvnInfo struct {
	RepositoryRoot string `json:"repositoryRoot"`
	RepositoryUUID string `json:"repositoryUUID"`
	Revision       int64  `json:"revision"`
}

// SvnLayout describes where trunk, branches and tags live. Standard means
// the conventional trunk/branches/tags triple at the repository root.
type SvnLayout struct {
	Standard bool     `json:"standard"`
	Trunk    string   `json:"trunk,omitempty"`
	Branches []string `json:"branches,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Author maps one SVN username to a Git identity.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MigrationOptions tune a single repository migration.
type MigrationOptions struct {
	Incremental     bool     `json:"incremental,omitempty"`
	KeepTemp        bool     `json:"keepTemp,omitempty"`
	IncludeBranches []string `json:"includeBranches,omitempty"`
	ExcludeBranches []string `json:"excludeBranches,omitempty"`
}

// MigrationParams are the inputs of one svn-migration job.
type MigrationParams struct {
	Connection      SvnConnection     `json:"connection"`
	TargetNamespace string            `json:"targetNamespace"` // existing group full path
	TargetName      string            `json:"targetName"`
	TargetPath      string            `json:"targetPath"`
	Layout          SvnLayout         `json:"layout"`
	Authors         map[string]Author `json:"authors,omitempty"`
	Options         MigrationOptions  `json:"options,omitempty"`
}

// FullProjectPath returns namespace/path for the target project.
func (p *MigrationParams) FullProjectPath() string {
	if p.TargetNamespace == "" {
		return p.TargetPath
	}
	return p.TargetNamespace + "/" + p.TargetPath
}

// MigrationStage names one step of the migration pipeline, in order.
type MigrationStage string

const (
	StageValidate       MigrationStage = "validate"
	StageExtractAuthors MigrationStage = "extract-authors"
	StageProvision      MigrationStage = "provision"
	StageClone          MigrationStage = "clone"
	StageRewritePush    MigrationStage = "rewrite-push"
	StageVerify         MigrationStage = "verify"
	StageCleanup        MigrationStage = "cleanup"
)

// MigrationStages lists the pipeline in execution order.
var MigrationStages = []MigrationStage{
	StageValidate,
	StageExtractAuthors,
	StageProvision,
	StageClone,
	StageRewritePush,
	StageVerify,
	StageCleanup,
}

// StageIndex returns the position of s in the pipeline, or -1.
func StageIndex(s MigrationStage) int {
	for i, st := range MigrationStages {
		if st == s {
			return i
		}
	}
	return -1
}

// MigrationStatus is the serializable progress of a migration job.
type MigrationStatus struct {
	Stage          MigrationStage `json:"stage"`
	ProjectPath    string         `json:"projectPath"`
	ProjectID      int64          `json:"projectId,omitempty"`
	Workspace      string         `json:"workspace,omitempty"`
	Revision       int64          `json:"revision"`     // last converted revision
	HeadRevision   int64          `json:"headRevision"` // repository head at validate
	MissingAuthors []string       `json:"missingAuthors,omitempty"`
	LogTail        []string       `json:"logTail,omitempty"`
}

// SyncParams resume or re-run a previous migration incrementally.
type SyncParams struct {
	MigrationID string        `json:"migrationId"`
	Connection  SvnConnection `json:"connection"`
}

// BulkMigrationParams fan one request out into N child migrations. Options
// supplies defaults for entries that carry none of their own.
type BulkMigrationParams struct {
	Migrations []*MigrationParams `json:"migrations"`
	Options    MigrationOptions   `json:"options,omitempty"`
}
