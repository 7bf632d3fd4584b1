package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

var bucketMigrations = []byte("migrations")

// BoltStore implements Index on a single bbolt file under the data dir.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the index database. A file that cannot
// be opened is moved aside and replaced: losing the index only costs
// resume-from-anchor, never correctness, so fresh-start beats refusing to
// boot.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "gbm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		logger := log.WithComponent("store")
		logger.Warn().
			Err(err).
			Str("path", dbPath).
			Msg("Index database unreadable, starting fresh")
		if rerr := os.Rename(dbPath, dbPath+".corrupt"); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("failed to move corrupt database aside: %w", rerr)
		}
		if db, err = bolt.Open(dbPath, 0600, nil); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMigrations); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMigrations, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutMigration upserts the record under its project path and stamps it.
func (s *BoltStore) PutMigration(rec *MigrationRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Project), data)
	})
}

// GetMigration looks up the record for a target project path.
func (s *BoltStore) GetMigration(project string) (*MigrationRecord, error) {
	var rec MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data := b.Get([]byte(project))
		if data == nil {
			return fmt.Errorf("migration record %s: %w", project, types.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetMigrationByJob scans for the record produced by a given migration job.
// The bucket stays small (one record per migrated project), so a scan is fine.
func (s *BoltStore) GetMigrationByJob(jobID string) (*MigrationRecord, error) {
	var found *MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var rec MigrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.JobID == jobID {
				found = &rec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("migration record for job %s: %w", jobID, types.ErrNotFound)
	}
	return found, nil
}

// DeleteMigration drops the record. Deleting an absent key is a no-op.
func (s *BoltStore) DeleteMigration(project string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.Delete([]byte(project))
	})
}

// ListMigrations returns every stored record.
func (s *BoltStore) ListMigrations() ([]*MigrationRecord, error) {
	var recs []*MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var rec MigrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}
