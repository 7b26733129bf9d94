// Package mongo provides a MongoDB-backed implementation of thread.Store.
// Build the low-level client via thread/mongo/clients/mongo and pass it to
// NewStore so the Thread Registry can persist thread/run metadata
// durably instead of in memory.
package mongo
