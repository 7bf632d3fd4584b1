package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &MigrationRecord{
		Project:   "acme/legacy-app",
		Workspace: "/tmp/gbm-migrate-123",
		Stage:     "clone",
		Revision:  37,
	}
	require.NoError(t, s.PutMigration(rec))
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := s.GetMigration("acme/legacy-app")
	require.NoError(t, err)
	assert.Equal(t, rec.Workspace, got.Workspace)
	assert.Equal(t, "clone", got.Stage)
	assert.EqualValues(t, 37, got.Revision)
	assert.Equal(t, rec.UpdatedAt.Unix(), got.UpdatedAt.Unix())
}

func TestRecordNeverStoresPassword(t *testing.T) {
	s := newTestStore(t)

	rec := &MigrationRecord{
		Project: "acme/app",
		Params: types.MigrationParams{
			Connection: types.SvnConnection{
				URL:      "https://svn.example.com/repo",
				Username: "alice",
				Password: "hunter2",
			},
			TargetNamespace: "acme",
			TargetName:      "app",
		},
	}
	require.NoError(t, s.PutMigration(rec))

	got, err := s.GetMigration("acme/app")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Params.Connection.Username)
	assert.Empty(t, got.Params.Connection.Password)
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/app", Stage: "clone", Revision: 10}))
	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/app", Stage: "push", Revision: 100}))

	got, err := s.GetMigration("acme/app")
	require.NoError(t, err)
	assert.Equal(t, "push", got.Stage)
	assert.EqualValues(t, 100, got.Revision)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMigration("acme/ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetMigrationByJob(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/a", JobID: "job-1"}))
	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/b", JobID: "job-2"}))

	got, err := s.GetMigrationByJob("job-2")
	require.NoError(t, err)
	assert.Equal(t, "acme/b", got.Project)

	_, err = s.GetMigrationByJob("job-9")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteMigration(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/app"}))
	require.NoError(t, s.DeleteMigration("acme/app"))

	_, err := s.GetMigration("acme/app")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// absent key is a no-op
	require.NoError(t, s.DeleteMigration("acme/app"))
}

func TestListMigrations(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/a"}))
	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/b"}))

	recs, err := s.ListMigrations()
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutMigration(&MigrationRecord{Project: "acme/app", Revision: 42}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetMigration("acme/app")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Revision)
}

func TestCorruptDatabaseStartsFresh(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gbm.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("this is not a bolt file"), 0o600))

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.ListMigrations()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
