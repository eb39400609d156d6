// Package config resolves every reliability knob from the environment on
// demand. Resolution never panics and never errors: invalid, malformed, or
// out-of-range values silently fall back to the documented default so a bad
// deploy-time edit degrades to defaults instead of taking the gateway down.
package config

// Rate-limit bucket names. Buckets share one counter table, keyed by
// bucket + caller key.
const (
	BucketChatStream      = "chat_stream"
	BucketGmailPush       = "gmail_push"
	BucketWhatsAppWebhook = "whatsapp_webhook"
	BucketGmailCallback   = "gmail_callback"
)

// Provider identifiers used by circuit breakers and bulkheads.
const (
	ProviderChatPrimary   = "chat_primary"
	ProviderChatSecondary = "chat_secondary"
	ProviderSerper        = "serper"
	ProviderProductSearch = "product_search"
	ProviderGlobalSearch  = "global_search"
	ProviderToolJobWorker = "tool_job_worker"
)

// Tool names accepted by the job queue.
const (
	ToolSearchWeb      = "search_web"
	ToolSearchProducts = "search_products"
	ToolSearchGlobal   = "search_global"
)

// QoS classes, assigned statically per tool.
const (
	QOSRealtime    = "realtime"
	QOSInteractive = "interactive"
	QOSBatch       = "batch"
)

// WorkerTokenHeader authenticates internal worker kicks; the scheduler
// stamps it on every run it requests.
const WorkerTokenHeader = "X-Worker-Token"

type Config struct {
	Server     ServerConfig
	Telemetry  TelemetryConfig
	RateLimits RateLimitConfig
	Circuits   CircuitConfig
	Bulkheads  BulkheadConfig
	Admission  AdmissionConfig
	Provider   ProviderConfig
	Tools      ToolsConfig
	ToolCache  ToolCacheConfig
	ToolQueue  ToolQueueConfig
	Region     RegionConfig
	Flags      FeatureFlags
	Collab     CollabConfig
	Events     EventsConfig
	Tasks      TasksConfig
}

type ServerConfig struct {
	Port            string
	DatabaseURL     string
	AllowedOrigins  []string
	AuthTokenSecret string
	WorkerKickToken string
}

type TelemetryConfig struct {
	SentryDSN string
}

// RateRule is a fixed-window counter: at most Max admissions per WindowMs.
type RateRule struct {
	Max      int64
	WindowMs int64
}

// RateAlertRule drives the rate-limit monitor over the recent event log.
type RateAlertRule struct {
	BlockedThreshold    int64
	ContentionThreshold int64
	WindowMinutes       int
	CooldownMs          int64
}

type RateLimitConfig struct {
	Rules map[string]RateRule
	Alert RateAlertRule
}

// Rule returns the configured rule for a bucket, or a conservative default
// for buckets nobody configured.
func (c RateLimitConfig) Rule(bucket string) RateRule {
	if r, ok := c.Rules[bucket]; ok {
		return r
	}
	return RateRule{Max: 30, WindowMs: 60_000}
}

type CircuitRule struct {
	Threshold  int
	CooldownMs int64
}

type CircuitConfig struct {
	Rules map[string]CircuitRule
}

func (c CircuitConfig) Rule(provider string) CircuitRule {
	if r, ok := c.Rules[provider]; ok {
		return r
	}
	return CircuitRule{Threshold: 5, CooldownMs: 30_000}
}

type BulkheadRule struct {
	MaxConcurrent int
	LeaseTTLMs    int64
}

type BulkheadConfig struct {
	Rules            map[string]BulkheadRule
	SentryCooldownMs int64
}

func (c BulkheadConfig) Rule(provider string) BulkheadRule {
	if r, ok := c.Rules[provider]; ok {
		return r
	}
	return BulkheadRule{MaxConcurrent: 4, LeaseTTLMs: 60_000}
}

// AdmissionConfig drives the Redis front door. Enabled=false or a missing
// URL disables the whole layer; callers treat that as allowed.
type AdmissionConfig struct {
	Enabled    bool
	ShadowMode bool
	URL        string
	Token      string
	KeyPrefix  string

	EnforceUserInFlight   bool
	EnforceGlobalInFlight bool
	EnforceGlobalMsgRate  bool
	EnforceGlobalToolRate bool

	UserMaxInFlight     int64
	GlobalMaxInFlight   int64
	GlobalMaxMsgPerSec  int64
	GlobalMaxToolPerSec int64
	EstToolCallsPerMsg  int64

	TicketTTLMs           int64
	RetryAfterMs          int64
	RetryAfterJitterPct   int64
	AllowedEventSamplePct int64
}

// RouteConfig is one upstream chat completion route.
type RouteConfig struct {
	BaseURL   string
	TimeoutMs int64
	Retries   int
}

// ModelTable holds the per-class default and fallback model identifiers.
type ModelTable struct {
	FastPrimary    string
	FastSecondary  string
	AgentPrimary   string
	AgentSecondary string
}

type ProviderConfig struct {
	APIKey            string
	Primary           RouteConfig
	Secondary         RouteConfig
	Models            ModelTable
	DefaultModelClass string // fast | agent
}

type ToolsConfig struct {
	SerperAPIKey   string
	WebBaseURL     string
	ProductBaseURL string
	GlobalBaseURL  string
	TimeoutMs      int64
}

type ToolCacheConfig struct {
	WebTTLMs         int64
	ProductTTLMs     int64
	GlobalTTLMs      int64
	WebNamespaceVer  string
	ProductNamespace string
	GlobalNamespace  string
}

// Namespace builds the versioned cache namespace for a tool, so bumping a
// version env var invalidates that tool's cache without touching rows.
func (c ToolCacheConfig) Namespace(tool string) string {
	switch tool {
	case ToolSearchWeb:
		return tool + "_" + c.WebNamespaceVer
	case ToolSearchProducts:
		return tool + "_" + c.ProductNamespace
	case ToolSearchGlobal:
		return tool + "_" + c.GlobalNamespace
	}
	return tool + "_v1"
}

// TTLMs returns the cache TTL for a tool's results.
func (c ToolCacheConfig) TTLMs(tool string) int64 {
	switch tool {
	case ToolSearchWeb:
		return c.WebTTLMs
	case ToolSearchProducts:
		return c.ProductTTLMs
	case ToolSearchGlobal:
		return c.GlobalTTLMs
	}
	return c.WebTTLMs
}

type QueueAlertRule struct {
	QueuedDepthMax     int
	DeadLetterDepthMax int
	OldestQueuedMaxMs  int64
	OldestRunningMaxMs int64
	WindowMinutes      int
	CooldownMs         int64
}

type ToolQueueConfig struct {
	MaxPerRun     int
	MaxAttempts   int
	ClaimScanSize int

	LeaseMs               int64
	WaitTimeoutMs         int64
	PollIntervalMs        int64
	RetryBaseMs           int64
	RetentionMs           int64
	DeadLetterRetentionMs int64

	RunMaxByTool    map[string]int
	QueuedMaxByTool map[string]int
	RunMaxByQOS     map[string]int

	Alert QueueAlertRule
}

// RunMax returns the per-tool concurrent-running cap.
func (c ToolQueueConfig) RunMax(tool string) int {
	if n, ok := c.RunMaxByTool[tool]; ok {
		return n
	}
	return 2
}

// QueuedMax returns the per-tool queued-depth cap used at enqueue time.
func (c ToolQueueConfig) QueuedMax(tool string) int {
	if n, ok := c.QueuedMaxByTool[tool]; ok {
		return n
	}
	return 50
}

// QOSRunMax returns the per-QoS-class concurrent-running cap.
func (c ToolQueueConfig) QOSRunMax(class string) int {
	if n, ok := c.RunMaxByQOS[class]; ok {
		return n
	}
	return 4
}

type RegionConfig struct {
	RegionID      string
	TopologyMode  string // single | primary | standby
	ReadinessOnly bool
}

type FeatureFlags struct {
	ChatGatewayEnabled       bool
	ChatGatewayShadow        bool
	AdmissionEnforce         bool
	ToolQueueEnforce         bool
	ProviderFailoverEnabled  bool
	FailClosedOnRedisError   bool
	ChatGatewayHealthEnabled bool
}

type CollabConfig struct {
	GmailOAuthClientID     string
	GmailOAuthClientSecret string
	GmailOAuthRedirectURL  string
	GmailPostAuthURL       string
	GmailPushAudience      string
	WhatsAppVerifyToken    string
	WhatsAppAppSecret      string
}

type EventsConfig struct {
	PubSubProjectID string
	PubSubTopic     string
}

type TasksConfig struct {
	ProjectID     string
	LocationID    string
	QueueID       string
	TargetBaseURL string
}

// Snapshot resolves the full configuration from the current environment.
// It is pure and cheap enough to call per request, but hot paths should go
// through a Manager.
func Snapshot() Config {
	return Config{
		Server: ServerConfig{
			Port:            envStr("PORT", "8080"),
			DatabaseURL:     envStr("DATABASE_URL", ""),
			AllowedOrigins:  envList("CHAT_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AuthTokenSecret: envStr("CHAT_AUTH_TOKEN_SECRET", ""),
			WorkerKickToken: envStr("WORKER_KICK_TOKEN", ""),
		},
		Telemetry: TelemetryConfig{
			SentryDSN: envStr("SENTRY_DSN", ""),
		},
		RateLimits: RateLimitConfig{
			Rules: map[string]RateRule{
				BucketChatStream: {
					Max:      envInt64("RATE_LIMIT_CHAT_STREAM_MAX", 30, 1, 100_000),
					WindowMs: envInt64("RATE_LIMIT_CHAT_STREAM_WINDOW_MS", 60_000, 250, 86_400_000),
				},
				BucketGmailPush: {
					Max:      envInt64("RATE_LIMIT_GMAIL_PUSH_MAX", 120, 1, 100_000),
					WindowMs: envInt64("RATE_LIMIT_GMAIL_PUSH_WINDOW_MS", 60_000, 250, 86_400_000),
				},
				BucketWhatsAppWebhook: {
					Max:      envInt64("RATE_LIMIT_WHATSAPP_WEBHOOK_MAX", 120, 1, 100_000),
					WindowMs: envInt64("RATE_LIMIT_WHATSAPP_WEBHOOK_WINDOW_MS", 60_000, 250, 86_400_000),
				},
				BucketGmailCallback: {
					Max:      envInt64("RATE_LIMIT_GMAIL_CALLBACK_MAX", 10, 1, 100_000),
					WindowMs: envInt64("RATE_LIMIT_GMAIL_CALLBACK_WINDOW_MS", 60_000, 250, 86_400_000),
				},
			},
			Alert: RateAlertRule{
				BlockedThreshold:    envInt64("RATE_LIMIT_ALERT_BLOCKED_THRESHOLD", 25, 1, 1_000_000),
				ContentionThreshold: envInt64("RATE_LIMIT_ALERT_CONTENTION_THRESHOLD", 10, 1, 1_000_000),
				WindowMinutes:       envInt("RATE_LIMIT_ALERT_WINDOW_MIN", 5, 1, 1440),
				CooldownMs:          envInt64("RATE_LIMIT_ALERT_COOLDOWN_MS", 1_800_000, 60_000, 86_400_000),
			},
		},
		Circuits: CircuitConfig{
			Rules: map[string]CircuitRule{
				ProviderChatPrimary:   circuitRule("CHAT_PRIMARY", 5, 30_000),
				ProviderChatSecondary: circuitRule("CHAT_SECONDARY", 5, 30_000),
				ProviderSerper:        circuitRule("SERPER", 4, 20_000),
				ProviderProductSearch: circuitRule("PRODUCT_SEARCH", 4, 20_000),
				ProviderGlobalSearch:  circuitRule("GLOBAL_SEARCH", 4, 20_000),
			},
		},
		Bulkheads: BulkheadConfig{
			Rules: map[string]BulkheadRule{
				ProviderChatPrimary:   bulkheadRule("CHAT_PRIMARY", 8, 60_000),
				ProviderChatSecondary: bulkheadRule("CHAT_SECONDARY", 8, 60_000),
				ProviderSerper:        bulkheadRule("SERPER", 6, 30_000),
				ProviderProductSearch: bulkheadRule("PRODUCT_SEARCH", 6, 30_000),
				ProviderGlobalSearch:  bulkheadRule("GLOBAL_SEARCH", 4, 30_000),
				ProviderToolJobWorker: bulkheadRule("TOOL_JOB_WORKER", 2, 120_000),
			},
			SentryCooldownMs: envInt64("BULKHEAD_SENTRY_COOLDOWN_MS", 300_000, 10_000, 86_400_000),
		},
		Admission: AdmissionConfig{
			Enabled:    envBool("ADMISSION_REDIS_ENABLED", false),
			ShadowMode: envBool("ADMISSION_REDIS_SHADOW_MODE", true),
			URL:        envStr("ADMISSION_REDIS_URL", ""),
			Token:      envStr("ADMISSION_REDIS_TOKEN", ""),
			KeyPrefix:  envIdent("ADMISSION_REDIS_KEY_PREFIX", "cadm", prefixPattern),

			EnforceUserInFlight:   envBool("ADMISSION_ENFORCE_USER_INFLIGHT", true),
			EnforceGlobalInFlight: envBool("ADMISSION_ENFORCE_GLOBAL_INFLIGHT", true),
			EnforceGlobalMsgRate:  envBool("ADMISSION_ENFORCE_GLOBAL_MSG_RATE", false),
			EnforceGlobalToolRate: envBool("ADMISSION_ENFORCE_GLOBAL_TOOL_RATE", false),

			UserMaxInFlight:     envInt64("ADMISSION_USER_MAX_INFLIGHT", 2, 1, 1_000),
			GlobalMaxInFlight:   envInt64("ADMISSION_GLOBAL_MAX_INFLIGHT", 200, 1, 1_000_000),
			GlobalMaxMsgPerSec:  envInt64("ADMISSION_GLOBAL_MAX_MSG_PER_SEC", 50, 1, 1_000_000),
			GlobalMaxToolPerSec: envInt64("ADMISSION_GLOBAL_MAX_TOOL_PER_SEC", 100, 1, 1_000_000),
			EstToolCallsPerMsg:  envInt64("ADMISSION_EST_TOOL_CALLS_PER_MSG", 1, 0, 100),

			TicketTTLMs:           envInt64("ADMISSION_TICKET_TTL_MS", 120_000, 1_000, 3_600_000),
			RetryAfterMs:          envInt64("ADMISSION_RETRY_AFTER_MS", 1_000, 100, 60_000),
			RetryAfterJitterPct:   envInt64("ADMISSION_RETRY_AFTER_JITTER_PCT", 20, 0, 90),
			AllowedEventSamplePct: envInt64("ADMISSION_ALLOWED_EVENT_SAMPLE_PCT", 5, 0, 100),
		},
		Provider: ProviderConfig{
			APIKey: envStr("CHAT_PROVIDER_API_KEY", ""),
			Primary: RouteConfig{
				BaseURL:   envStr("CHAT_PROVIDER_PRIMARY_BASE_URL", "https://openrouter.ai/api/v1"),
				TimeoutMs: envInt64("CHAT_PROVIDER_PRIMARY_TIMEOUT_MS", 45_000, 1_000, 300_000),
				Retries:   envInt("CHAT_PROVIDER_PRIMARY_RETRIES", 2, 0, 5),
			},
			Secondary: RouteConfig{
				BaseURL:   envStr("CHAT_PROVIDER_SECONDARY_BASE_URL", "https://api.groq.com/openai/v1"),
				TimeoutMs: envInt64("CHAT_PROVIDER_SECONDARY_TIMEOUT_MS", 35_000, 1_000, 300_000),
				Retries:   envInt("CHAT_PROVIDER_SECONDARY_RETRIES", 1, 0, 5),
			},
			Models: ModelTable{
				FastPrimary:    envIdent("CHAT_MODEL_FAST_PRIMARY", "openai/gpt-4o-mini", modelPattern),
				FastSecondary:  envIdent("CHAT_MODEL_FAST_SECONDARY", "google/gemini-2.0-flash-001", modelPattern),
				AgentPrimary:   envIdent("CHAT_MODEL_AGENT_PRIMARY", "anthropic/claude-sonnet-4", modelPattern),
				AgentSecondary: envIdent("CHAT_MODEL_AGENT_SECONDARY", "moonshotai/kimi-k2", modelPattern),
			},
			DefaultModelClass: envEnum("CHAT_DEFAULT_MODEL_CLASS", "fast", "fast", "agent"),
		},
		Tools: ToolsConfig{
			SerperAPIKey:   envStr("SERPER_API_KEY", ""),
			WebBaseURL:     envStr("TOOL_SEARCH_WEB_BASE_URL", "https://google.serper.dev"),
			ProductBaseURL: envStr("TOOL_SEARCH_PRODUCTS_BASE_URL", "https://google.serper.dev"),
			GlobalBaseURL:  envStr("TOOL_SEARCH_GLOBAL_BASE_URL", "https://google.serper.dev"),
			TimeoutMs:      envInt64("TOOL_SEARCH_TIMEOUT_MS", 7_000, 500, 60_000),
		},
		ToolCache: ToolCacheConfig{
			WebTTLMs:         envInt64("TOOL_CACHE_SEARCH_WEB_TTL_MS", 600_000, 1_000, 86_400_000),
			ProductTTLMs:     envInt64("TOOL_CACHE_SEARCH_PRODUCTS_TTL_MS", 900_000, 1_000, 86_400_000),
			GlobalTTLMs:      envInt64("TOOL_CACHE_SEARCH_GLOBAL_TTL_MS", 900_000, 1_000, 86_400_000),
			WebNamespaceVer:  envIdent("TOOL_CACHE_SEARCH_WEB_NAMESPACE_VERSION", "v1", identPattern),
			ProductNamespace: envIdent("TOOL_CACHE_SEARCH_PRODUCTS_NAMESPACE_VERSION", "v1", identPattern),
			GlobalNamespace:  envIdent("TOOL_CACHE_SEARCH_GLOBAL_NAMESPACE_VERSION", "v1", identPattern),
		},
		ToolQueue: ToolQueueConfig{
			MaxPerRun:     envInt("TOOL_JOB_MAX_PER_RUN", 5, 1, 50),
			MaxAttempts:   envInt("TOOL_JOB_MAX_ATTEMPTS", 3, 1, 10),
			ClaimScanSize: envInt("TOOL_JOB_CLAIM_SCAN", 10, 1, 100),

			LeaseMs:               envInt64("TOOL_JOB_LEASE_MS", 30_000, 1_000, 600_000),
			WaitTimeoutMs:         envInt64("TOOL_JOB_WAIT_MS", 8_000, 250, 120_000),
			PollIntervalMs:        envInt64("TOOL_JOB_POLL_MS", 250, 50, 10_000),
			RetryBaseMs:           envInt64("TOOL_JOB_RETRY_BASE_MS", 1_000, 100, 60_000),
			RetentionMs:           envInt64("TOOL_JOB_TTL_MS", 86_400_000, 60_000, 2_592_000_000),
			DeadLetterRetentionMs: envInt64("TOOL_JOB_DLQ_TTL_MS", 604_800_000, 60_000, 2_592_000_000),

			RunMaxByTool: map[string]int{
				ToolSearchWeb:      envInt("TOOL_JOB_RUNMAX_SEARCH_WEB", 4, 1, 100),
				ToolSearchProducts: envInt("TOOL_JOB_RUNMAX_SEARCH_PRODUCTS", 3, 1, 100),
				ToolSearchGlobal:   envInt("TOOL_JOB_RUNMAX_SEARCH_GLOBAL", 2, 1, 100),
			},
			QueuedMaxByTool: map[string]int{
				ToolSearchWeb:      envInt("TOOL_JOB_QMAX_SEARCH_WEB", 50, 1, 10_000),
				ToolSearchProducts: envInt("TOOL_JOB_QMAX_SEARCH_PRODUCTS", 50, 1, 10_000),
				ToolSearchGlobal:   envInt("TOOL_JOB_QMAX_SEARCH_GLOBAL", 25, 1, 10_000),
			},
			RunMaxByQOS: map[string]int{
				QOSRealtime:    envInt("TOOL_JOB_RUNMAX_QOS_REALTIME", 6, 1, 100),
				QOSInteractive: envInt("TOOL_JOB_RUNMAX_QOS_INTERACTIVE", 4, 1, 100),
				QOSBatch:       envInt("TOOL_JOB_RUNMAX_QOS_BATCH", 2, 1, 100),
			},

			Alert: QueueAlertRule{
				QueuedDepthMax:     envInt("TOOL_JOB_ALERT_QUEUED_MAX", 200, 1, 100_000),
				DeadLetterDepthMax: envInt("TOOL_JOB_ALERT_DLQ_MAX", 25, 1, 100_000),
				OldestQueuedMaxMs:  envInt64("TOOL_JOB_ALERT_OLDEST_QUEUED_MS", 120_000, 1_000, 86_400_000),
				OldestRunningMaxMs: envInt64("TOOL_JOB_ALERT_OLDEST_RUNNING_MS", 300_000, 1_000, 86_400_000),
				WindowMinutes:      envInt("TOOL_JOB_ALERT_WINDOW_MIN", 15, 1, 1440),
				CooldownMs:         envInt64("TOOL_JOB_ALERT_COOLDOWN_MS", 1_800_000, 60_000, 86_400_000),
			},
		},
		Region: RegionConfig{
			RegionID:      envIdent("RELIABILITY_REGION_ID", "primary", identPattern),
			TopologyMode:  envEnum("RELIABILITY_TOPOLOGY_MODE", "single", "single", "primary", "standby"),
			ReadinessOnly: envBool("RELIABILITY_REGION_READINESS_ONLY", false),
		},
		Flags: FeatureFlags{
			ChatGatewayEnabled:       envBool("FF_CHAT_GATEWAY_ENABLED", true),
			ChatGatewayShadow:        envBool("FF_CHAT_GATEWAY_SHADOW", false),
			AdmissionEnforce:         envBool("FF_ADMISSION_ENFORCE", false),
			ToolQueueEnforce:         envBool("FF_TOOL_QUEUE_ENFORCE", true),
			ProviderFailoverEnabled:  envBool("FF_PROVIDER_FAILOVER_ENABLED", true),
			FailClosedOnRedisError:   envBool("FF_FAIL_CLOSED_ON_REDIS_ERROR", false),
			ChatGatewayHealthEnabled: envBool("FF_CHAT_GATEWAY_HEALTH_ENABLED", true),
		},
		Collab: CollabConfig{
			GmailOAuthClientID:     envStr("GMAIL_OAUTH_CLIENT_ID", ""),
			GmailOAuthClientSecret: envStr("GMAIL_OAUTH_CLIENT_SECRET", ""),
			GmailOAuthRedirectURL:  envStr("GMAIL_OAUTH_REDIRECT_URL", ""),
			GmailPostAuthURL:       envStr("GMAIL_POST_AUTH_URL", "http://localhost:3000/settings/integrations"),
			GmailPushAudience:      envStr("GMAIL_PUSH_AUDIENCE", ""),
			WhatsAppVerifyToken:    envStr("WHATSAPP_VERIFY_TOKEN", ""),
			WhatsAppAppSecret:      envStr("WHATSAPP_APP_SECRET", ""),
		},
		Events: EventsConfig{
			PubSubProjectID: envStr("RELIABILITY_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     envStr("RELIABILITY_PUBSUB_TOPIC", "reliability-events"),
		},
		Tasks: TasksConfig{
			ProjectID:     envStr("CLOUD_TASKS_PROJECT_ID", ""),
			LocationID:    envStr("CLOUD_TASKS_LOCATION_ID", "us-central1"),
			QueueID:       envStr("CLOUD_TASKS_QUEUE_ID", "tool-jobs"),
			TargetBaseURL: envStr("CLOUD_TASKS_TARGET_BASE_URL", ""),
		},
	}
}

func circuitRule(name string, defThreshold int, defCooldown int64) CircuitRule {
	return CircuitRule{
		Threshold:  envInt("CIRCUIT_"+name+"_THRESHOLD", defThreshold, 1, 1_000),
		CooldownMs: envInt64("CIRCUIT_"+name+"_COOLDOWN_MS", defCooldown, 250, 3_600_000),
	}
}

func bulkheadRule(name string, defMax int, defLease int64) BulkheadRule {
	return BulkheadRule{
		MaxConcurrent: envInt("BULKHEAD_"+name+"_MAX_CONCURRENT", defMax, 1, 10_000),
		LeaseTTLMs:    envInt64("BULKHEAD_"+name+"_LEASE_TTL_MS", defLease, 1_000, 3_600_000),
	}
}

// OriginAllowed reports whether a browser Origin header is in the
// allow-list. Entries may be exact origins or "*." suffix wildcards.
func (s ServerConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if suffix, ok := cutWildcard(allowed); ok {
			if len(origin) > len(suffix) && origin[len(origin)-len(suffix):] == suffix {
				return true
			}
			continue
		}
		if origin == allowed {
			return true
		}
	}
	return false
}

func cutWildcard(pattern string) (string, bool) {
	if len(pattern) > 2 && pattern[0] == '*' && pattern[1] == '.' {
		return pattern[1:], true // keep the leading dot
	}
	return "", false
}
