package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	SnowflakeNode int64

	// IntegrationConfigSecret derives the AES key used to open integration secrets.
	IntegrationConfigSecret string

	Discord DiscordConfig

	// CheckoutBaseURL is used when an integration carries no checkout_base_url secret.
	CheckoutBaseURL string

	// InternalAPIToken guards the bot-facing /internal routes. Empty disables the check.
	InternalAPIToken string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type DiscordConfig struct {
	APIBase  string
	BotToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                 getenv("APP_SERVICE", "orderledger"),
		AppVersion:              getenv("APP_VERSION", "0.1.0"),
		Environment:             getenv("ENVIRONMENT", "development"),
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:            getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:                  getenv("DATABASE_TYPE", "postgres"),
		DBHost:                  getenv("DATABASE_HOST", "localhost"),
		DBPort:                  getenv("DATABASE_PORT", "5432"),
		DBName:                  getenv("DATABASE_NAME", "orderledger"),
		DBUser:                  getenv("DATABASE_USER", "postgres"),
		DBPassword:              getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:               getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:           getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:           getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:       getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:       getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:           getenvBool("DATABASE_AUTO_MIGRATE", true),
		SnowflakeNode:           getenvInt64("SNOWFLAKE_NODE", 1),
		IntegrationConfigSecret: strings.TrimSpace(getenv("INTEGRATION_CONFIG_SECRET", "")),
		CheckoutBaseURL:         strings.TrimRight(strings.TrimSpace(getenv("CHECKOUT_BASE_URL", "")), "/"),
		InternalAPIToken:        strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Discord: DiscordConfig{
			APIBase:  strings.TrimRight(getenv("DISCORD_API_BASE", "https://discord.com/api/v10"), "/"),
			BotToken: strings.TrimSpace(getenv("DISCORD_BOT_TOKEN", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}
