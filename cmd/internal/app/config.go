package app

import "time"

// Outbox backends.
const (
	OutboxBackendPostgres = "postgres"
	OutboxBackendSQLite   = "sqlite"
	OutboxBackendFile     = "file"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string
	// LogFile, when set, receives a copy of every log line with size-based rotation.
	LogFile string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int

	DatabaseURL        string
	DBMaxConns         int32
	DBMinConns         int32
	DBSchema           string
	DBApplySchema      bool
	ReadinessRequireDB bool

	// MerchantsFile is YAML merchant settings. Without a database it is the directory;
	// with one it is upserted into the merchants table at startup.
	MerchantsFile string

	OutboxBackend     string
	OutboxSQLitePath  string
	OutboxFile        string
	OutboxWorker      bool
	OutboxInterval    time.Duration
	OutboxBatch       int
	OutboxMaxRetries  int
	OutboxBackoffBase time.Duration
	OutboxBackoffMax  time.Duration
	OutboxHTTPTimeout time.Duration
	OutboxStaleAfter  time.Duration
	OutboxRPS         int
	OutboxCBThreshold int
	OutboxCBWindow    time.Duration
	OutboxCBCooldown  time.Duration
	OutboxInsecure    bool

	HoldTTL            time.Duration
	RefundShare        string
	SignatureTolerance time.Duration

	ThrottleRPM         int
	ThrottleBurst       int
	ThrottleMultipliers string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("LOYALTY_HTTP_ADDR", "0.0.0.0:8080"),

		LogLevel:  EnvString("LOYALTY_LOG_LEVEL", "info"),
		LogFormat: EnvString("LOYALTY_LOG_FORMAT", "json"),
		LogFile:   EnvString("LOYALTY_LOG_FILE", ""),

		ReadHeaderTimeout: EnvDuration("LOYALTY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LOYALTY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LOYALTY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LOYALTY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("LOYALTY_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt("LOYALTY_HTTP_MAX_BODY_BYTES", 1<<20),

		DatabaseURL:        EnvString("LOYALTY_DATABASE_URL", ""),
		DBMaxConns:         EnvInt32("LOYALTY_DB_MAX_CONNS", 10),
		DBMinConns:         EnvInt32("LOYALTY_DB_MIN_CONNS", 0),
		DBSchema:           EnvString("LOYALTY_DB_SCHEMA", "loyalty"),
		DBApplySchema:      EnvBool("LOYALTY_DB_APPLY_SCHEMA", false),
		ReadinessRequireDB: EnvBool("LOYALTY_READINESS_REQUIRE_DB", false),

		MerchantsFile: EnvString("LOYALTY_MERCHANTS_FILE", ""),

		OutboxBackend:     EnvString("LOYALTY_OUTBOX_BACKEND", ""),
		OutboxSQLitePath:  EnvString("LOYALTY_OUTBOX_SQLITE_PATH", "loyalty-outbox.db"),
		OutboxFile:        EnvString("LOYALTY_OUTBOX_FILE", ""),
		OutboxWorker:      EnvBool("LOYALTY_OUTBOX_WORKER_ENABLED", true),
		OutboxInterval:    EnvDuration("LOYALTY_OUTBOX_INTERVAL", 5*time.Second),
		OutboxBatch:       EnvInt("LOYALTY_OUTBOX_BATCH", 10),
		OutboxMaxRetries:  EnvInt("LOYALTY_OUTBOX_MAX_RETRIES", 10),
		OutboxBackoffBase: EnvDuration("LOYALTY_OUTBOX_BACKOFF_BASE", 60*time.Second),
		OutboxBackoffMax:  EnvDuration("LOYALTY_OUTBOX_BACKOFF_MAX", time.Hour),
		OutboxHTTPTimeout: EnvDuration("LOYALTY_OUTBOX_HTTP_TIMEOUT", 10*time.Second),
		OutboxStaleAfter:  EnvDuration("LOYALTY_OUTBOX_STALE_AFTER", 300*time.Second),
		OutboxRPS:         EnvInt("LOYALTY_OUTBOX_RPS_PER_MERCHANT", 0),
		OutboxCBThreshold: EnvInt("LOYALTY_OUTBOX_CB_THRESHOLD", 5),
		OutboxCBWindow:    EnvDuration("LOYALTY_OUTBOX_CB_WINDOW", 60*time.Second),
		OutboxCBCooldown:  EnvDuration("LOYALTY_OUTBOX_CB_COOLDOWN", 120*time.Second),
		OutboxInsecure:    EnvBool("LOYALTY_OUTBOX_ALLOW_INSECURE_URLS", false),

		HoldTTL:            EnvDuration("LOYALTY_HOLD_TTL", 120*time.Second),
		RefundShare:        EnvString("LOYALTY_REFUND_SHARE", "full"),
		SignatureTolerance: EnvDuration("LOYALTY_SIGNATURE_TOLERANCE", 300*time.Second),

		ThrottleRPM:         EnvInt("LOYALTY_THROTTLE_RPM", 60),
		ThrottleBurst:       EnvInt("LOYALTY_THROTTLE_BURST", 20),
		ThrottleMultipliers: EnvString("LOYALTY_THROTTLE_MERCHANT_MULTIPLIERS", ""),
	}
}

// outboxBackend resolves the empty default: postgres when a database is configured,
// the JSON file queue otherwise.
func (c Config) outboxBackend() string {
	if c.OutboxBackend != "" {
		return c.OutboxBackend
	}
	if c.DatabaseURL != "" {
		return OutboxBackendPostgres
	}
	return OutboxBackendFile
}
