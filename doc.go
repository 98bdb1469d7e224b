// Package syncbridge keeps the county's legacy assessment system and the
// modern property-records platform in agreement.
//
// The service watches the source of record for changed rows, maps and
// coerces them onto the target schema, validates them against configured
// quality rules, detects rows both sides changed since the last sync, and
// loads the survivors in retried sub-batches. Every run is a SyncJob with
// a full audit trail: per-phase logs, counters, conflicts awaiting review,
// and a watermark that only advances past fully committed work.
//
// # Layout
//
//	cmd/syncbridge         the operator CLI: serve, run, schedules, version
//	internal/orchestrator  job lifecycle and the worker pool
//	pkg/detect             change detection strategies (timestamp, version,
//	                       row hash, CDC tail)
//	pkg/transform          field mapping, type coercion, sanitization
//	pkg/validate           quality-rule evaluation over batches
//	pkg/conflict           concurrent-edit detection and resolution policy
//	pkg/load               batched upserts into the target with checkpoints
//	pkg/quality            scheduled rule runs and statistical anomaly scans
//	pkg/alert, pkg/notify  alert matching and channel delivery
//	pkg/schedule           cron dispatch of recurring jobs
//	pkg/store              the audit database: jobs, logs, watermarks,
//	                       conflicts, rules, alerts, notifications
//	pkg/api                the gin HTTP surface for operators
//
// Start the daemon with:
//
//	syncbridge serve --config syncbridge.yaml
//
// or run one job in the foreground:
//
//	syncbridge run --data-type parcels --direction up
package syncbridge
