// Package config loads forgehealth configuration from environment variables.
//
// Server:
//
//	FORGEHEALTH_HOST="0.0.0.0"
//	FORGEHEALTH_PORT="8080"
//	FORGEHEALTH_HEALTH_PORT="9090"
//	FORGEHEALTH_RENDER_WAIT="60s"
//	FORGEHEALTH_CORS_ORIGINS="https://dash.example.org"
//
// Analytics database:
//
//	FORGEHEALTH_AUGUR_URL="postgres://augur@db/augur?sslmode=disable"
//	FORGEHEALTH_AUGUR_REPLICA_URLS="postgres://r1/augur,postgres://r2/augur"
//	FORGEHEALTH_AUGUR_MAX_CONNS="20"
//
// Result cache and tasks:
//
//	FORGEHEALTH_REDIS_URL="redis://localhost:6379/0"
//	FORGEHEALTH_CACHE_TTL="6h"
//	FORGEHEALTH_POLL_INTERVAL="1s"
//	FORGEHEALTH_WORKERS="4"
//	FORGEHEALTH_TASK_MAX_RETRIES="5"
//
// Snapshot archive (disabled without a bucket):
//
//	FORGEHEALTH_S3_BUCKET="forgehealth-snapshots"
//	FORGEHEALTH_S3_ENDPOINT="http://minio:9000"
//
// Observability:
//
//	FORGEHEALTH_LOG_LEVEL="info"
//	FORGEHEALTH_OTEL_ENABLED="true"
//	FORGEHEALTH_OTEL_ENDPOINT="otel-collector:4317"
package config
