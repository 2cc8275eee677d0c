// Package storage holds the connection settings shared by the persistence
// backends. The backends themselves live in pkg/storage/postgres:
//
//   - ConnectionManager: PostgreSQL primary for writes, round-robin replicas
//     for audit queries
//   - NewRedisClient: the shared counter store used by the rate limiter and
//     the webhook dead-letter queue
//   - S3Client: object storage for audit archives written before retention
//     cleanup
package storage
