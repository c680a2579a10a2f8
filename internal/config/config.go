package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage backends
	LedgerDriver      string
	DatabaseURL       string
	SQLitePath        string
	HandoffBackend    string
	TranscriptBackend string
	RedisAddr         string
	RedisPassword     string
	RedisTLS          bool
	ProcessedEventTTL time.Duration
	LockLease         time.Duration

	// Work queue
	UseMemoryQueue bool
	QueueURL       string
	WorkerCount    int
	WorkerAttempts int
	WorkerBackoff  time.Duration
	OutboxQueueURL string
	TimerBackend   string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	CommandLogTable     string
	ArchiveBucket       string
	AudioBucket         string
	AudioBaseURL        string

	// Telephony / messaging (Telnyx)
	TelnyxAPIKey             string
	TelnyxAPIBaseURL         string
	TelnyxMessagingProfileID string
	TelnyxConnectionID       string
	TelnyxFromNumber         string
	TelnyxWebhookSecret      string
	TelnyxWebhookMaxSkew     time.Duration

	// Speech synthesis
	TTSURL    string
	TTSAPIKey string
	TTSVoice  string

	// Reasoning service
	LLMProvider           string
	LLMFallback           string
	BedrockModelID        string
	GeminiAPIKey          string
	GeminiModel           string
	AzureOpenAIEndpoint   string
	AzureOpenAIAPIKey     string
	AzureOpenAIDeployment string
	AnalysisTimeout       time.Duration
	IntentTimeout         time.Duration
	ResponderEnabled      bool

	// Campaign policy
	MaxConvincingAttempts int
	MaxAmbiguousResponses int
	MaxReengagements      int
	InactivityWindow      time.Duration
	NoResponseRetryDelay  time.Duration
	ReplyTimeout          time.Duration
	CallSetupTimeout      time.Duration
	MaxCallDuration       time.Duration
	AnalysisGuard         time.Duration

	// Dispatcher
	ProviderCallTimeout    time.Duration
	DispatchMaxRetries     int
	DispatchInitialBackoff time.Duration
	DispatchMaxBackoff     time.Duration
	OutboundRatePerSecond  float64
	OutboundBurst          int
	OutboundPerMinute      int

	// Operator surface
	AdminJWTSecret      string
	APIRateLimit        float64
	APIRateBurst        int
	CORSAllowedOrigins  []string
	TemplateCatalogPath string
	CampaignName        string
	AgentName           string

	// Notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	EmailFromName     string
	SESFromEmail      string
	OperatorEmails    []string
	OperatorPhones    []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LedgerDriver:      strings.ToLower(strings.TrimSpace(getEnv("LEDGER_DRIVER", "memory"))),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnv("SQLITE_PATH", "campaign.db"),
		HandoffBackend:    strings.ToLower(strings.TrimSpace(getEnv("HANDOFF_BACKEND", "memory"))),
		TranscriptBackend: strings.ToLower(strings.TrimSpace(getEnv("TRANSCRIPT_BACKEND", "memory"))),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisTLS:          getEnvAsBool("REDIS_TLS", false),
		ProcessedEventTTL: getEnvAsDuration("PROCESSED_EVENT_TTL", 72*time.Hour),
		LockLease:         getEnvAsDuration("LOCK_LEASE", 30*time.Second),

		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", true),
		QueueURL:       getEnv("QUEUE_URL", ""),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		WorkerAttempts: getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
		WorkerBackoff:  getEnvAsDuration("WORKER_RETRY_BACKOFF", 2*time.Second),
		OutboxQueueURL: getEnv("OUTBOX_QUEUE_URL", ""),
		TimerBackend:   strings.ToLower(strings.TrimSpace(getEnv("TIMER_BACKEND", "queue"))),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		CommandLogTable:     getEnv("COMMAND_LOG_TABLE", ""),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),
		AudioBucket:         getEnv("AUDIO_BUCKET", ""),
		AudioBaseURL:        getEnv("AUDIO_BASE_URL", ""),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxAPIBaseURL:         getEnv("TELNYX_API_BASE_URL", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxConnectionID:       getEnv("TELNYX_CONNECTION_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TelnyxWebhookSecret:      getEnv("TELNYX_WEBHOOK_SECRET", ""),
		TelnyxWebhookMaxSkew:     getEnvAsDuration("TELNYX_WEBHOOK_MAX_SKEW", 5*time.Minute),

		TTSURL:    getEnv("TTS_URL", ""),
		TTSAPIKey: getEnv("TTS_API_KEY", ""),
		TTSVoice:  getEnv("TTS_VOICE", "female"),

		LLMProvider:           strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		LLMFallback:           strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK", ""))),
		BedrockModelID:        getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		AzureOpenAIEndpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
		AzureOpenAIAPIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
		AzureOpenAIDeployment: getEnv("AZURE_OPENAI_DEPLOYMENT", ""),
		AnalysisTimeout:       getEnvAsDuration("ANALYSIS_TIMEOUT", 20*time.Second),
		IntentTimeout:         getEnvAsDuration("INTENT_TIMEOUT", 4*time.Second),
		ResponderEnabled:      getEnvAsBool("RESPONDER_ENABLED", true),

		MaxConvincingAttempts: getEnvAsInt("MAX_CONVINCING_ATTEMPTS", 3),
		MaxAmbiguousResponses: getEnvAsInt("MAX_AMBIGUOUS_RESPONSES", 4),
		MaxReengagements:      getEnvAsInt("MAX_REENGAGEMENTS", 1),
		InactivityWindow:      getEnvAsDuration("INACTIVITY_WINDOW", 18*time.Second),
		NoResponseRetryDelay:  getEnvAsDuration("NO_RESPONSE_RETRY_DELAY", 10*time.Minute),
		ReplyTimeout:          getEnvAsDuration("REPLY_TIMEOUT", 24*time.Hour),
		CallSetupTimeout:      getEnvAsDuration("CALL_SETUP_TIMEOUT", 2*time.Minute),
		MaxCallDuration:       getEnvAsDuration("MAX_CALL_DURATION", 15*time.Minute),
		AnalysisGuard:         getEnvAsDuration("ANALYSIS_GUARD", 2*time.Minute),

		ProviderCallTimeout:    getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 5*time.Second),
		DispatchMaxRetries:     getEnvAsInt("DISPATCH_MAX_RETRIES", 3),
		DispatchInitialBackoff: getEnvAsDuration("DISPATCH_INITIAL_BACKOFF", 250*time.Millisecond),
		DispatchMaxBackoff:     getEnvAsDuration("DISPATCH_MAX_BACKOFF", 5*time.Second),
		OutboundRatePerSecond:  getEnvAsFloat("OUTBOUND_RATE_PER_SECOND", 5),
		OutboundBurst:          getEnvAsInt("OUTBOUND_BURST", 5),
		OutboundPerMinute:      getEnvAsInt("OUTBOUND_PER_MINUTE", 120),

		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),
		APIRateLimit:        getEnvAsFloat("API_RATE_LIMIT", 20),
		APIRateBurst:        getEnvAsInt("API_RATE_BURST", 40),
		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		TemplateCatalogPath: getEnv("TEMPLATE_CATALOG_PATH", ""),
		CampaignName:        getEnv("CAMPAIGN_NAME", "default"),
		AgentName:           getEnv("AGENT_NAME", "Eva"),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		EmailFromName:     getEnv("EMAIL_FROM_NAME", "Campaign Desk"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		OperatorEmails:    getEnvAsList("OPERATOR_EMAILS"),
		OperatorPhones:    getEnvAsList("OPERATOR_PHONES"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
