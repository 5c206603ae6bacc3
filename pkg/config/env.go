package config

const (
	EnvPrefix = "INVOICESYNC"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "INVOICESYNC_APP_ENV"
	EnvPort     = "INVOICESYNC_APP_PORT"
	EnvLogLevel = "INVOICESYNC_LOG_LEVEL"

	EnvDBDSN  = "INVOICESYNC_DB_DSN"
	EnvDBHost = "INVOICESYNC_DB_HOST"
	EnvDBUser = "INVOICESYNC_DB_USER"
	EnvDBName = "INVOICESYNC_DB_NAME"

	EnvRedisURL = "INVOICESYNC_REDIS_URL"

	EnvAuthorityBaseURL = "INVOICESYNC_AUTHORITY_BASE_URL"
	EnvAuthorityToken   = "INVOICESYNC_AUTHORITY_TOKEN"
	EnvAuthorityEnv     = "INVOICESYNC_AUTHORITY_ENV"

	EnvRetryBatchSize  = "INVOICESYNC_RETRY_BATCH_SIZE"
	EnvRetryWorkers    = "INVOICESYNC_RETRY_WORKERS"
	EnvRetryMaxRetries = "INVOICESYNC_RETRY_MAX_RETRIES"
	EnvRetryMultiplier = "INVOICESYNC_RETRY_MULTIPLIER"

	EnvAdminToken = "INVOICESYNC_ADMIN_TOKEN"

	EnvSyncRemoteBaseURL = "INVOICESYNC_SYNC_REMOTE_BASE_URL"
	EnvLocalStorePath    = "INVOICESYNC_LOCAL_STORE_PATH"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
