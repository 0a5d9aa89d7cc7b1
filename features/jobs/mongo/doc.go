// Package mongo provides MongoDB-backed durable storage for dispatcher jobs.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a jobs.Store. Idempotent enqueue and the one-active-job-per-key rule
// are enforced by partial unique indexes, so several dispatcher processes may
// share the collection.
package mongo
