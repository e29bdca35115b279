// Package storage persists the reminder collection as a single snapshot.
//
// The contract is deliberately a full-collection overwrite, not an
// append-only log: every save validates all records and then replaces the
// previous snapshot atomically (tmp+rename for the file driver, one
// transaction for sqlite). A failed save never truncates or partially writes
// the destination; the in-memory collection stays authoritative.
package storage
