// Package models defines the domain entities of the artist import pipeline.
//
// The package contains three categories of types:
//
// 1. Identity: how an artist is named across providers
//   - [Identifiers] : the external identifier set (catalog, ticketing, other, name)
//   - [ImportKey] : the stable key an import is tracked under
//
// 2. Persistent Entities: records written to the local datastore
//   - [Artist] : the canonical artist record
//   - [CatalogItem] : albums and singles from the catalog provider
//   - [Event] : scheduled shows from the ticketing provider
//
// 3. Run Tracking: the audit trail of one import
//   - [ImportStatus] : the live, polled status of a run
//   - [StepResult] : the outcome of one step
//   - [RunReport] : the aggregate returned to the caller
//
// Persistent entities implement the [Model] interface so repositories can validate before writing.
package models
