// Package mongo provides MongoDB-backed storage for the run audit trail.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists append-only run events. Events are
// ordered by their ObjectID, which doubles as the paging cursor.
package mongo
