// Package repositories implements SQLite persistence for the import pipeline.
//
// Key Implementations:
//   - [ArtistRepository] : canonical artist records with identifier lookups and monotonic identifier merges
//   - [CatalogRepository] : idempotent upserts of albums and singles
//   - [EventRepository] : idempotent upserts of scheduled events
//   - [PredictionRepository] : default placeholder prediction lists derived from catalog and events
//   - [Store] : the datastore facade the orchestrator and resolver consume
//   - [ImportStatusRepository] : the SQLite import status store
//
// Every write is an upsert keyed by provider ids, so re-running an import never duplicates rows.
// Failures are wrapped with [shared.ErrDatastore].
//
// Sequence numbers provide stable, human-readable ordering (e.g., artist #42) independent of UUIDs and creation timestamps.
// The [NextSequence] function increments per-table sequence counters in dedicated sequence tables.
package repositories
