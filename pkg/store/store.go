package store

import (
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// MigrationRecord is the durable trace of one SVN migration, keyed by the
// target project's full path. It exists so svn-sync can find a preserved
// workspace after a process restart; live job state never lands here.
// Params serializes without the SVN password (excluded at the type level),
// so sync callers always re-supply credentials.
type MigrationRecord struct {
	Project   string                `json:"project"`
	JobID     string                `json:"jobId"`
	Workspace string                `json:"workspace"`
	Stage     string                `json:"stage"`
	Revision  int64                 `json:"revision"`
	Params    types.MigrationParams `json:"params"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Index is the persistence contract the migration worker runs against.
type Index interface {
	PutMigration(rec *MigrationRecord) error
	GetMigration(project string) (*MigrationRecord, error)
	GetMigrationByJob(jobID string) (*MigrationRecord, error)
	DeleteMigration(project string) error
	ListMigrations() ([]*MigrationRecord, error)
	Close() error
}
