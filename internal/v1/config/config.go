package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Storage. DSN resolution order: DATABASE_URL env var first, then the
	// config file (.env) already merged into the environment by main.
	DatabaseURL string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	DevelopmentMode bool
	AllowedOrigins  string
	UploadDir       string

	// Secrets sourced from env or a secret manager are never written back
	// to the config file when PersistSecrets is false.
	PersistSecrets bool

	// Tracing
	TracingEnabled bool
	OTelCollector  string

	// Session & Token Authority
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	LockoutAttempts int
	LockoutWindow   time.Duration
	IdleLogout      time.Duration

	// Rooms & voice
	RoomCapacity     int
	MaxSubrooms      int
	HistoryLimit     int
	VoiceRoomCap     int // 0 means unbounded
	HandshakeTimeout time.Duration
	TransferTimeout  time.Duration

	// HTTP rate limits (ulule/limiter formatted: "<count>-<period>")
	RateLimitLogin    string
	RateLimitRegister string
	RateLimitRefresh  string
	RateLimitReset    string
	RateLimitUpload   string
	RateLimitScrape   string

	// Realtime per-user event limits
	RateLimitRoomSend     string
	RateLimitDMSend       string
	RateLimitRoomJoin     string
	RateLimitRoomCreate   string
	RateLimitFriendReq    string
	RateLimitFriendAction string
	RateLimitP2PSignal    string
	RateLimitVoiceInvite  string
	RateLimitAdminSocket  string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DATABASE_URL. The environment takes priority; godotenv has
	// already merged the config file without overriding the real env.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.UploadDir = getEnvOrDefault("UPLOAD_DIR", "data/uploads")
	cfg.PersistSecrets = os.Getenv("PERSIST_SECRETS") == "true"

	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTelCollector = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	// Token and session lifetimes
	var err error
	if cfg.AccessTokenTTL, err = parseDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.RefreshTokenTTL, err = parseDurationEnv("REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.LockoutWindow, err = parseDurationEnv("LOCKOUT_WINDOW", 15*time.Minute); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.IdleLogout, err = parseDurationEnv("IDLE_LOGOUT", 30*time.Minute); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.HandshakeTimeout, err = parseDurationEnv("P2P_HANDSHAKE_TIMEOUT", 45*time.Second); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.TransferTimeout, err = parseDurationEnv("P2P_TRANSFER_TIMEOUT", 30*time.Minute); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.LockoutAttempts = parseIntEnv("LOCKOUT_ATTEMPTS", 5, &errors)
	cfg.RoomCapacity = parseIntEnv("ROOM_CAPACITY", 100, &errors)
	cfg.MaxSubrooms = parseIntEnv("MAX_SUBROOMS", 10, &errors)
	cfg.HistoryLimit = parseIntEnv("HISTORY_LIMIT", 200, &errors)
	cfg.VoiceRoomCap = parseIntEnv("VOICE_ROOM_CAP", 0, &errors)

	// HTTP rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitLogin = getEnvOrDefault("RATE_LIMIT_LOGIN", "10-M")
	cfg.RateLimitRegister = getEnvOrDefault("RATE_LIMIT_REGISTER", "3-M")
	cfg.RateLimitRefresh = getEnvOrDefault("RATE_LIMIT_REFRESH", "30-M")
	cfg.RateLimitReset = getEnvOrDefault("RATE_LIMIT_RESET", "3-M")
	cfg.RateLimitUpload = getEnvOrDefault("RATE_LIMIT_UPLOAD", "20-M")
	cfg.RateLimitScrape = getEnvOrDefault("RATE_LIMIT_SCRAPE", "60-M")

	// Realtime per-user event limits
	cfg.RateLimitRoomSend = getEnvOrDefault("RATE_LIMIT_ROOM_SEND", "60-M")
	cfg.RateLimitDMSend = getEnvOrDefault("RATE_LIMIT_DM_SEND", "60-M")
	cfg.RateLimitRoomJoin = getEnvOrDefault("RATE_LIMIT_ROOM_JOIN", "30-M")
	cfg.RateLimitRoomCreate = getEnvOrDefault("RATE_LIMIT_ROOM_CREATE", "5-H")
	cfg.RateLimitFriendReq = getEnvOrDefault("RATE_LIMIT_FRIEND_REQ", "20-H")
	cfg.RateLimitFriendAction = getEnvOrDefault("RATE_LIMIT_FRIEND_ACTION", "60-H")
	cfg.RateLimitP2PSignal = getEnvOrDefault("RATE_LIMIT_P2P_SIGNAL", "120-M")
	cfg.RateLimitVoiceInvite = getEnvOrDefault("RATE_LIMIT_VOICE_INVITE", "20-M")
	cfg.RateLimitAdminSocket = getEnvOrDefault("RATE_LIMIT_ADMIN_SOCKET", "120-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration (got '%s')", key, raw)
	}
	return d, nil
}

func parseIntEnv(key string, def int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return def
	}
	return n
}

// RedactSecret redacts a secret by showing only the first 8 characters
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
