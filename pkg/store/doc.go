// Package store persists the migration workspace index on bbolt.
//
// # Core Components
//
// Index is the contract; BoltStore implements it on a single gbm.db file
// under the data directory. One bucket, migrations, maps a target
// project's full path to its MigrationRecord (workspace path, last stage,
// revision anchor, timestamp).
//
// # Scope
//
// This is deliberately not a job database. Job state stays process-local;
// the index answers where the preserved workspace for a target is, how
// far it got, and which migrations exist to sync against. An unreadable
// database file is moved aside and recreated empty, which degrades
// resume to from-the-beginning without blocking startup.
//
// # See Also
//
//   - pkg/migrate, the sole reader and writer of the index
package store
