// Package storage is the workflow ledger: it records every item and run
// lifecycle transition and answers the aggregate queries the pipeline,
// back-fill job and health monitor need (items needing metrics, recent
// runs, 24-hour statistics).
//
// Every mutation is a single atomic per-item or per-run update; status
// guards in the UPDATE statements enforce that items never regress to an
// earlier state and that "failed" is absorbing.
package storage
