// Package tasks orchestrates artist imports with real-time progress reporting.
//
// # Runs
//
// A run imports one artist through a fixed sequence:
//
//  1. Identity resolution: reconcile the partial identifiers with the local store and the providers
//  2. [models.StepSyncCore] : fetch and upsert the canonical artist record
//  3. [models.StepSyncCatalog] : upsert albums and singles
//  4. [models.StepSyncEvents] : upsert scheduled shows
//  5. [models.StepCreateDefaults] : derive prediction lists from the stored content
//
// Resolution and the core sync are mandatory; a failure in either fails the run. The other steps
// fail on their own and the run still succeeds, unless the failure came from the datastore.
//
// # Concurrency Guard
//
// [Guard] admits at most one active run per [models.ImportKey]. A second request for the same key
// gets the running status back instead of starting a duplicate. Runs that outlive the staleness
// window may be replaced. Once the core sync knows the artist id, the status moves from its
// provisional key to the permanent one and the old key is aliased for a while.
//
// # Execution
//
//   - [Importer.StartImport] admits a run and queues it on the [Dispatcher]'s bounded pool
//   - [Importer.RunNow] admits a run and executes it on the calling goroutine
//   - [Importer.RunBatch] imports many artists with a rate limit, isolating each run
//
// # Progress Reporting
//
// The status store is the record of truth and is written after every unit of work. Callers may
// also pass a channel of [ProgressUpdate]; sends use select with default so a slow reader never
// blocks a run.
//
// # Retries
//
// [RetryPolicy] retries transient provider failures inside a step with capped exponential
// backoff. Permanent failures are never retried.
package tasks
