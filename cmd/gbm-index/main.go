package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/gbm", "GBM data directory")
	prune      = flag.Bool("prune", false, "Delete records whose workspace directory no longer exists")
	dryRun     = flag.Bool("dry-run", false, "Show what would be pruned without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before pruning (default: <data-dir>/gbm.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("GBM Migration Index Tool")
	log.Println("========================")

	dbPath := filepath.Join(*dataDir, "gbm.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup before any mutation
	if *prune && !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	// Open database
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	orphans, err := inspectIndex(db)
	if err != nil {
		log.Fatalf("Inspection failed: %v", err)
	}

	if !*prune {
		if len(orphans) > 0 {
			log.Printf("\nRun with -prune to delete %d orphaned record(s).", len(orphans))
		}
		return
	}
	if len(orphans) == 0 {
		log.Println("\n✓ Nothing to prune")
		return
	}

	if err := pruneOrphans(db, orphans, *dryRun); err != nil {
		log.Fatalf("Prune failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without -dry-run to prune the records.")
	} else {
		log.Println("\n✓ Prune completed successfully!")
		log.Println("The next sync for a pruned project starts from a fresh clone.")
	}
}

// inspectIndex lists every migration record and returns the keys whose
// preserved workspace is gone. A record that no longer points at a real
// directory cannot anchor an incremental sync.
func inspectIndex(db *bolt.DB) ([]string, error) {
	var orphans []string
	var total int

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("migrations"))
		if b == nil {
			log.Println("✓ No 'migrations' bucket found - index is empty")
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			total++
			var rec store.MigrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Printf("⚠ %s: invalid record, will prune: %v", k, err)
				orphans = append(orphans, string(k))
				return nil
			}

			state := "ok"
			if !workspaceExists(rec.Workspace) {
				state = "workspace missing"
				orphans = append(orphans, string(k))
			}
			log.Printf("  %s  stage=%s r%d  %s  [%s]", rec.Project, rec.Stage, rec.Revision, rec.Workspace, state)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Found %d record(s), %d orphaned", total, len(orphans))
	return orphans, nil
}

func workspaceExists(ws string) bool {
	if ws == "" {
		return false
	}
	info, err := os.Stat(ws)
	return err == nil && info.IsDir()
}

func pruneOrphans(db *bolt.DB, keys []string, dryRun bool) error {
	return db.Update(func(tx *bolt.Tx) error {
		if dryRun {
			log.Println("\n[DRY RUN] Would delete the following records:")
			for _, k := range keys {
				log.Printf("  %s", k)
			}
			return nil
		}

		b := tx.Bucket([]byte("migrations"))
		if b == nil {
			return nil
		}

		log.Println("\nPruning orphaned records...")
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return fmt.Errorf("failed to delete record %s: %w", k, err)
			}
			log.Printf("  ✓ %s", k)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
