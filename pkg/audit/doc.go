// Package audit records who did what to which resource, with sensitive values
// sanitized before anything is persisted.
//
// # Recording
//
// Every write goes through Recorder.Log, which redacts secrets, masks emails
// and phone numbers, replaces other classified fields with a typed token and
// assigns a sensitivity level:
//
//	rec, err := recorder.Log(ctx, audit.Entry{
//		UserID:       &userID,
//		Action:       "email_change",
//		ResourceType: "user",
//		ResourceID:   "42",
//		OldValues:    map[string]interface{}{"email": "old@example.com"},
//		NewValues:    map[string]interface{}{"email": "new@example.com"},
//	})
//
// Specialised helpers build the entry for common cases: LogAPIAccess (used by
// the gate), LogDataAccess and LogPermissionChange (used by the rbac grant
// service). Confidential and restricted records are also logged at WARN so
// log pipelines can alert on them.
//
// # Querying
//
// Query pages newest first (default 100, max 1000). UserActivitySummary and
// Stats aggregate over a window of days. Export writes JSON, NDJSON or CSV and
// records the export itself.
//
// # Retention
//
// Cleanup deletes records older than a horizon clamped to [30, 2555] days.
// With an Archiver configured (S3 in production) the records are written as
// NDJSON before they are deleted. The cleanup is recorded as audit_cleanup.
//
// # Streaming
//
// A Publisher receives each persisted record. KafkaStreamer publishes to a
// Kafka topic; publish failures are logged and never fail the audit write.
package audit
