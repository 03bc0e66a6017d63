package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Screener ScreenerConfig
	Health   HealthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds market-data provider configuration.
// The default quota mirrors the TWSE published limit of 3 requests
// per 5 seconds.
type ProviderConfig struct {
	HistoryURL     string
	RealtimeURL    string
	IndexURL       string
	RequestTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	MaxRequests    int
	RatePeriod     time.Duration
	BatchSize      int
	BackfillMonths int
	UniverseSize   int
	UniverseMaxAge time.Duration
}

// ScreenerConfig holds screening strategy configuration
type ScreenerConfig struct {
	Symbols             []string
	MAWindows           []int
	MinHistoryDays      int
	VolumeWindow        int
	RiskRewardMultiple  float64
	MinRiskReward       float64
	MinPrice            float64
	MaxPrice            float64
	MinAvgVolume        float64
	VolumeBreakoutRatio float64
	UpdateInterval      time.Duration
	MarketOpen          string
	MarketClose         string
	Timezone            string
}

// defaultFallbackSymbols are the Taiwan 50 component stocks used when the
// top-trading-value fetch has never succeeded and no explicit list is set.
var defaultFallbackSymbols = []string{
	"2330", "2317", "2454", "2308", "2881", "2882", "2303", "1301",
	"2886", "3711", "2891", "1303", "2884", "2357", "2382", "2412",
	"2892", "3045", "2002", "1216", "2207", "5880", "2301", "2880",
	"3008", "2327", "4904", "2395", "6505", "2912",
}

// HealthConfig holds ticker health / quarantine configuration
type HealthConfig struct {
	FailureThreshold    int
	RetryInterval       time.Duration
	SystemicFailureRate float64
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "screener"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvStrings("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "screener-events"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			HistoryURL:     getEnv("TWSE_HISTORY_URL", "https://www.twse.com.tw/exchangeReport/STOCK_DAY"),
			RealtimeURL:    getEnv("TWSE_REALTIME_URL", "https://mis.twse.com.tw/stock/api/getStockInfo.jsp"),
			IndexURL:       getEnv("TWSE_INDEX_URL", "https://www.twse.com.tw/exchangeReport/MI_INDEX"),
			RequestTimeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			RetryCount:     getEnvInt("PROVIDER_RETRY_COUNT", 2),
			RetryDelay:     getEnvDuration("PROVIDER_RETRY_DELAY", 5*time.Second),
			MaxRequests:    getEnvInt("PROVIDER_MAX_REQUESTS", 3),
			RatePeriod:     getEnvDuration("PROVIDER_RATE_PERIOD", 5*time.Second),
			BatchSize:      getEnvInt("PROVIDER_BATCH_SIZE", 10),
			BackfillMonths: getEnvInt("PROVIDER_BACKFILL_MONTHS", 4),
			UniverseSize:   getEnvInt("PROVIDER_UNIVERSE_SIZE", 100),
			UniverseMaxAge: getEnvDuration("PROVIDER_UNIVERSE_MAX_AGE", 7*24*time.Hour),
		},
		Screener: ScreenerConfig{
			Symbols:             getEnvStrings("SCREENER_SYMBOLS", defaultFallbackSymbols),
			MAWindows:           getEnvInts("SCREENER_MA_WINDOWS", []int{5, 10, 20, 60}),
			MinHistoryDays:      getEnvInt("SCREENER_MIN_HISTORY_DAYS", 60),
			VolumeWindow:        getEnvInt("SCREENER_VOLUME_WINDOW", 20),
			RiskRewardMultiple:  getEnvFloat("SCREENER_RR_MULTIPLE", 3.0),
			MinRiskReward:       getEnvFloat("SCREENER_MIN_RISK_REWARD", 3.0),
			MinPrice:            getEnvFloat("SCREENER_MIN_PRICE", 10),
			MaxPrice:            getEnvFloat("SCREENER_MAX_PRICE", 3000),
			MinAvgVolume:        getEnvFloat("SCREENER_MIN_AVG_VOLUME", 1000000),
			VolumeBreakoutRatio: getEnvFloat("SCREENER_VOLUME_BREAKOUT_RATIO", 1.5),
			UpdateInterval:      getEnvDuration("SCREENER_UPDATE_INTERVAL", 5*time.Minute),
			MarketOpen:          getEnv("MARKET_OPEN", "09:00"),
			MarketClose:         getEnv("MARKET_CLOSE", "13:30"),
			Timezone:            getEnv("MARKET_TIMEZONE", "Asia/Taipei"),
		},
		Health: HealthConfig{
			FailureThreshold:    getEnvInt("HEALTH_FAILURE_THRESHOLD", 2),
			RetryInterval:       getEnvDuration("HEALTH_RETRY_INTERVAL", 7*24*time.Hour),
			SystemicFailureRate: getEnvFloat("HEALTH_SYSTEMIC_FAILURE_RATE", 0.5),
		},
	}
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStrings(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvInts(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
