// Package erpbridge synchronizes entity data from an ERP extract API into a
// planning store, transferring only what changed.
//
// Records flow through a fixed pipeline: fetch, normalize, validate, map,
// identify, delta, resolve, ingest, track. Identity is a pair of hashes
// computed per record: a business-key hash (xxh3-128 over the declared key
// fields) that names the record, and a data hash (SHA-256 over the
// canonicalized payload) that fingerprints its content. The delta stage
// compares those against what the store already holds and classifies each
// record as insert, update, or skip; at steady state most records skip.
//
// # Sync modes
//
// Full syncs re-read the whole source table and are the only mode that may
// detect deletions, since only a complete pass proves absence. Incremental
// syncs resume from a persisted rowversion watermark. Background syncs are
// paced by the scheduler: a multi-day transfer runs inside a nightly
// wall-clock window under a daily row quota, resuming from a stored offset.
//
// # Failure handling
//
// Record-level failures never abort a batch. They are dead-lettered with a
// payload snapshot and retried on a budget. Child records whose declared
// parents have not arrived yet are parked and retried with exponential
// backoff as parents land.
//
// # Layout
//
//   - cmd/erpbridge: the CLI (sync, scheduler, status, failed)
//   - internal/normalize, identity, delta, resolver: the pipeline stages
//   - internal/orchestrator: batch execution and the control surface
//   - internal/scheduler: windowed pacing and maintenance passes
//   - internal/store: metadata persistence (PostgreSQL or in-memory)
//   - pkg/upstream, pkg/downstream: the two API clients
//
// Configuration is one YAML file plus environment overrides for secrets;
// see pkg/config.
package erpbridge
