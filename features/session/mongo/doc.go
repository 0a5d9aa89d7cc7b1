// Package mongo provides the MongoDB-backed durable tier of the session store.
// Build the low-level client via features/session/mongo/clients/mongo and pass
// it to NewStore; combine the store with a cache tier using session.NewTiered.
package mongo
