// Package postgres provides the concrete backend clients: the PostgreSQL
// connection manager (lib/pq), the Redis client factory (go-redis) and the
// S3 archive client (aws-sdk-go-v2).
package postgres
