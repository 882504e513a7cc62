package config

// Environment keys understood by the wfgen binaries.
const (
	EnvServerAddr     = "WFGEN_SERVER_ADDR"
	EnvServerPort     = "WFGEN_SERVER_PORT"
	EnvPollInterval   = "WFGEN_POLL_INTERVAL"
	EnvReportRoot     = "WFGEN_REPORT_ROOT"
	EnvUHDArgs        = "WFGEN_UHD_ARGS"
	EnvJoinGrace      = "WFGEN_JOIN_GRACE"
	EnvLedgerDB       = "WFGEN_LEDGER_DB"
	EnvMetricsAddr    = "WFGEN_METRICS_ADDR"
	EnvProfileCatalog = "WFGEN_PROFILE_CATALOG"
	EnvLogFile        = "WFGEN_LOG_FILE"
	EnvLogLevel       = "WFGEN_LOG_LEVEL"
	EnvClientConfig   = "WFGEN_CLIENT_CONFIG"
	EnvClientTimeout  = "WFGEN_CLIENT_TIMEOUT"
	EnvServers        = "WFGEN_SERVERS"
)
