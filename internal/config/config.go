package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for minimal containers

	"github.com/joho/godotenv"
)

type Config struct {
	Env string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string

	// JWTSecret verifies bearer tokens issued by the external auth service.
	JWTSecret string

	RedisURL string

	KafkaBrokers       []string
	KafkaPurchaseTopic string
	KafkaGroupID       string

	PushProvider       string // "fcm", "expo" or "auto"
	FirebaseCredFile   string
	ExpoAccessToken    string
	ExpoPushURL        string
	PushSendTimeout    time.Duration
	DispatchTimeout    time.Duration
	DispatchMaxRetries int
	DispatchBackoff    time.Duration
	DispatchParallel   int

	LedgerURL     string
	LedgerSecret  string
	LedgerTimeout time.Duration

	Timezone *time.Location

	CronBirthday        string
	CronAnalyze         string
	CronDateBased       string
	CronAccumulation    string
	CronPurchaseSync    string
	CronPushScheduled   string
	CronPromotionExpiry string
	CronIntentRedeliver string
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables")
	}

	tz, err := time.LoadLocation(envOr("TIMEZONE", "UTC"))
	if err != nil {
		log.Printf("Unknown TIMEZONE, falling back to UTC: %v", err)
		tz = time.UTC
	}

	return &Config{
		Env: envOr("APP_ENV", "production"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     envOr("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  envOr("DB_SSLMODE", "require"),

		ServerPort: envOr("SERVER_PORT", "8080"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		RedisURL: envOr("REDIS_URL", "redis://localhost:6379/0"),

		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaPurchaseTopic: envOr("KAFKA_PURCHASE_TOPIC", "purchases"),
		KafkaGroupID:       envOr("KAFKA_GROUP_ID", "loyaltycore-purchases"),

		PushProvider:       strings.ToLower(envOr("PUSH_PROVIDER", "fcm")),
		FirebaseCredFile:   os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		ExpoAccessToken:    os.Getenv("EXPO_ACCESS_TOKEN"),
		ExpoPushURL:        envOr("EXPO_PUSH_URL", "https://exp.host/--/api/v2/push/send"),
		PushSendTimeout:    envDuration("PUSH_SEND_TIMEOUT", 10*time.Second),
		DispatchTimeout:    envDuration("DISPATCH_TIMEOUT", 5*time.Minute),
		DispatchMaxRetries: envInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoff:    envDuration("DISPATCH_RETRY_BACKOFF", 60*time.Second),
		DispatchParallel:   envInt("DISPATCH_PARALLELISM", 10),

		LedgerURL:     os.Getenv("LEDGER_URL"),
		LedgerSecret:  os.Getenv("LEDGER_SECRET"),
		LedgerTimeout: envDuration("LEDGER_TIMEOUT", 15*time.Second),

		Timezone: tz,

		CronBirthday:        envOr("CRON_BIRTHDAY", "0 */15 * * * *"),
		CronAnalyze:         envOr("CRON_PROMOTIONS_ANALYZE", "0 0 3 * * *"),
		CronDateBased:       envOr("CRON_DATE_BASED", "0 * * * * *"),
		CronAccumulation:    envOr("CRON_ACCUMULATION", "0 */10 * * * *"),
		CronPurchaseSync:    envOr("CRON_PURCHASES_SYNC", "0 0 * * * *"),
		CronPushScheduled:   envOr("CRON_PUSH_SCHEDULED", "0 * * * * *"),
		CronPromotionExpiry: envOr("CRON_PROMOTIONS_EXPIRE", "0 5 0 * * *"),
		CronIntentRedeliver: envOr("CRON_INTENTS_REDELIVER", "30 */5 * * * *"),
	}, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
