package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Endpoint variants for the competitor listing request.
const (
	EndpointProducts    = "products"    // GET /products/{id}/items
	EndpointCompetition = "competition" // GET /items/{id}/catalog_seller_competition
)

// Leader identity keys. One is chosen per deployment.
const (
	IdentitySeller = "seller"
	IdentityItem   = "item"
)

// State backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Fetch modes.
const (
	FetchModeAPI     = "api"
	FetchModeBrowser = "browser"
)

// Config holds all application configuration loaded from environment variables.
// It is built once at startup and passed to every component that needs it.
type Config struct {
	AppID        string
	ClientSecret string
	RedirectURI  string
	Port         string

	APIBaseURL  string
	AuthBaseURL string
	TokenFile   string

	ProductID      string
	Endpoint       string
	LeaderIdentity string
	TopN           int

	PollInterval time.Duration
	CycleTimeout time.Duration
	HTTPTimeout  time.Duration

	MaxRetries     int
	MaxConcurrency int
	RateLimitMs    int

	FetchMode string
	ChromeBin string

	StateBackend   string
	StateFile      string
	SQLitePath     string
	HistoryCSVPath string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	TelegramBotToken   string
	TelegramChatID     string
	TelegramAPIBaseURL string

	WhatsAppPhone  string
	WhatsAppAPIKey string
	WhatsAppAPIURL string

	SMTPServer string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	FromEmail  string
	ToEmail    string

	LogLevel string
}

// Load reads the given .env files (default ".env") and returns a populated Config.
func Load(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		AppID:        getEnv("APP_ID", ""),
		ClientSecret: getEnv("CLIENT_SECRET", ""),
		RedirectURI:  getEnv("REDIRECT_URI", ""),
		Port:         getEnv("PORT", "3000"),

		APIBaseURL:  strings.TrimRight(getEnv("ML_API_BASE_URL", "https://api.mercadolibre.com"), "/"),
		AuthBaseURL: strings.TrimRight(getEnv("ML_AUTH_BASE_URL", "https://auth.mercadolibre.com.ar"), "/"),
		TokenFile:   getEnv("TOKEN_FILE", "./data/tokens.json"),

		ProductID:      strings.TrimSpace(getEnv("PRODUCT_ID", "")),
		Endpoint:       oneOf(getEnv("ML_ENDPOINT", EndpointProducts), EndpointProducts, EndpointProducts, EndpointCompetition),
		LeaderIdentity: oneOf(getEnv("LEADER_IDENTITY", IdentitySeller), IdentitySeller, IdentitySeller, IdentityItem),
		TopN:           getEnvInt("TOP_N", 5),

		PollInterval: getEnvDuration("POLL_INTERVAL", 5*time.Minute),
		CycleTimeout: getEnvDuration("CYCLE_TIMEOUT", 2*time.Minute),
		HTTPTimeout:  getEnvDuration("HTTP_TIMEOUT", 20*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 0),

		FetchMode: oneOf(getEnv("FETCH_MODE", FetchModeAPI), FetchModeAPI, FetchModeAPI, FetchModeBrowser),
		ChromeBin: getEnv("CHROME_BIN", ""),

		StateBackend:   oneOf(getEnv("STATE_BACKEND", BackendFile), BackendFile, BackendFile, BackendPostgres, BackendSQLite),
		StateFile:      getEnv("STATE_FILE", "./data/leader_state.json"),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/leader_state.db"),
		HistoryCSVPath: getEnv("HISTORY_CSV_PATH", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "meli"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "meli_bot"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramAPIBaseURL: strings.TrimRight(getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"), "/"),

		WhatsAppPhone:  getEnv("WHATSAPP_PHONE", ""),
		WhatsAppAPIKey: getEnv("WHATSAPP_API_KEY", ""),
		WhatsAppAPIURL: getEnv("WHATSAPP_API_URL", "https://api.callmebot.com/whatsapp.php"),

		SMTPServer: getEnv("SMTP_SERVER", ""),
		SMTPPort:   getEnvInt("SMTP_PORT", 587),
		SMTPUser:   getEnv("SMTP_USER", ""),
		SMTPPass:   getEnv("SMTP_PASS", ""),
		FromEmail:  getEnv("FROM_EMAIL", ""),
		ToEmail:    getEnv("TO_EMAIL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.FromEmail == "" {
		cfg.FromEmail = cfg.SMTPUser
	}
	if cfg.TopN < 1 {
		cfg.TopN = 5
	}
	return cfg
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// WhatsAppEnabled reports whether the WhatsApp gateway credentials are set.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppPhone != "" && c.WhatsAppAPIKey != ""
}

// EmailEnabled reports whether SMTP delivery is fully configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPServer != "" && c.SMTPUser != "" && c.SMTPPass != "" && c.ToEmail != ""
}

// OAuthEnabled reports whether the app credentials needed for the OAuth flow are set.
func (c *Config) OAuthEnabled() bool {
	return c.AppID != "" && c.ClientSecret != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func oneOf(val, fallback string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(val))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}
