// Package config provides process configuration for the sqlwarden binaries.
//
// # Overview
//
// Configuration is resolved once per process: defaults, then the optional
// YAML file named by SQLWARDEN_CONFIG, then SQLWARDEN_* environment
// variables. The result is validated before use.
//
// # Configuration File
//
//	environment: production
//	database:
//	  type: postgres            # postgres or sqlite
//	  url: postgres://localhost/sqlwarden
//	encryption:
//	  secret: ...
//	  salt: ...
//	  iterations: 100000
//	auth:
//	  token_secret: ...
//	  access_ttl: 15m
//	  refresh_ttl: 168h
//	  bcrypt_cost: 12
//	cache:
//	  type: redis               # redis, memory or none
//	  redis_url: redis://localhost:6379/0
//	audit:
//	  retention_days: 90
//	  schedule: "0 3 * * *"
//	  archive:
//	    bucket: sqlwarden-audit
//	bootstrap:
//	  email: admin@example.com
//	  password: ...
//
// # Environment Overrides
//
//	SQLWARDEN_ENV="production"
//	SQLWARDEN_DB_TYPE="postgres"
//	SQLWARDEN_DB_URL="postgres://localhost/sqlwarden"
//	SQLWARDEN_ENCRYPTION_SECRET="..."
//	SQLWARDEN_ENCRYPTION_SALT="..."
//	SQLWARDEN_TOKEN_SECRET="..."
//	SQLWARDEN_LOGIN_MAX_FAILURES="5"
//	SQLWARDEN_LOGIN_WINDOW="15m"
//	SQLWARDEN_REDIS_URL="redis://localhost:6379/0"
//	SQLWARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	SQLWARDEN_OTEL_ENABLED="true"
//
// In production the encryption secret, salt and token secret are required.
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	handle, err := storage.Open(ctx, cfg.StorageConfig())
package config
