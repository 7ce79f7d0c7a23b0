// Package store defines the persistence primitives shared by every task store
// backend: the DBTX abstraction over *sql.DB and *sql.Tx, transaction helpers,
// retry of lost write races, and the common store errors. Backend-specific
// implementations live under internal/platform.
package store
