// Package config provides application configuration management from environment variables.
//
// Every setting has a default; LoadConfig validates the result. A .env file
// in the working directory is loaded first when present.
//
// Server settings:
//
//	BASTION_HOST="0.0.0.0"
//	BASTION_PORT="8080"
//	BASTION_HEALTH_PORT="9090"
//
// Storage settings:
//
//	BASTION_POSTGRES_URL="postgres://localhost/bastion?sslmode=disable"
//	BASTION_POSTGRES_REPLICA_URLS="postgres://replica1/bastion,postgres://replica2/bastion"
//	BASTION_REDIS_URL="redis://localhost:6379/0"
//	BASTION_S3_BUCKET="bastion-audit-archive"
//
// Security settings:
//
//	BASTION_ENCRYPTION_KEY="<base64 of 32 bytes>"
//	BASTION_JWT_SECRET="..."
//	BASTION_OIDC_ISSUER_URL="https://accounts.example.com"
//	BASTION_OIDC_CLIENT_ID="bastion"
//
// Gate settings:
//
//	BASTION_RATE_LIMIT_WINDOW="1h"
//	BASTION_RATE_LIMIT_DEFAULT="100"
//	BASTION_ROUTE_TABLE_FILE="/etc/bastion/routes.yaml"
//	BASTION_TIER_TABLE_FILE="/etc/bastion/tiers.yaml"
//
// Audit and webhook settings:
//
//	BASTION_AUDIT_RETENTION_DAYS="365"
//	BASTION_AUDIT_CLEANUP_SCHEDULE="0 3 * * *"
//	BASTION_AUDIT_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	BASTION_WEBHOOK_RETRY_DELAYS="1s,5s"
//	BASTION_WEBHOOK_DEAD_LETTER_ENABLED="false"
//
// Observability settings:
//
//	BASTION_LOG_LEVEL="info"  # debug, info, warn, error
//	BASTION_OTEL_ENABLED="true"
//	BASTION_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
package config
