package recoveryagent

// Environment variable names read by Bootstrap and the commands. CLI flags
// take precedence over every one of them.
const (
	// EnvWorkspace is the root holding sources/, builds/, artifacts/ and
	// roomservice/.
	EnvWorkspace = "RECOVERY_WORKSPACE"
	// EnvMaxConcurrentBuilds bounds how many jobs run at once.
	EnvMaxConcurrentBuilds = "RECOVERY_MAX_CONCURRENT_BUILDS"
	// EnvSyncRetries is the number of retries after a transport failure.
	EnvSyncRetries      = "RECOVERY_SYNC_RETRIES"
	EnvSyncRetryBackoff = "RECOVERY_SYNC_RETRY_BACKOFF"
	// EnvReportRetries bounds background report regeneration attempts.
	EnvReportRetries      = "RECOVERY_REPORT_RETRIES"
	EnvReportRetryBackoff = "RECOVERY_REPORT_RETRY_BACKOFF"
	// EnvBuildCommand overrides the native build command line. It may use
	// {target}, {product}, {device} and {out}.
	EnvBuildCommand  = "RECOVERY_BUILD_COMMAND"
	EnvRequiredTools = "RECOVERY_REQUIRED_TOOLS"
	EnvKeepScratch   = "RECOVERY_KEEP_SCRATCH"
	EnvRetainJobs    = "RECOVERY_RETAIN_JOBS"
	EnvGitDepth      = "RECOVERY_GIT_DEPTH"
	// EnvDeviceCatalog points at a YAML catalog replacing built-in entries.
	EnvDeviceCatalog = "RECOVERY_DEVICE_CATALOG"
	EnvHistoryDB     = "RECOVERY_HISTORY_DB"

	EnvMirrorEndpoint  = "RECOVERY_MIRROR_ENDPOINT"
	EnvMirrorAccessKey = "RECOVERY_MIRROR_ACCESS_KEY"
	EnvMirrorSecretKey = "RECOVERY_MIRROR_SECRET_KEY"
	EnvMirrorRegion    = "RECOVERY_MIRROR_REGION"
	EnvMirrorBucket    = "RECOVERY_MIRROR_BUCKET"
	EnvMirrorPrefix    = "RECOVERY_MIRROR_PREFIX"
	EnvMirrorUseSSL    = "RECOVERY_MIRROR_USE_SSL"

	// EnvBuildBitableURL enables the Feishu recorder, one row per job.
	EnvBuildBitableURL = "FEISHU_BUILD_BITABLE_URL"

	EnvServeAddr = "RECOVERY_SERVE_ADDR"
)
