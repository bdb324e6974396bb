package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Kafka     KafkaConfig
	TCPServer TCPServerConfig
	MQTT      MQTTConfig
	Location  LocationConfig
	Ingest    IngestConfig
	Analytics AnalyticsConfig
	Health    HealthConfig
	SMTP      SMTPConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

// StoreConfig selects the Reading Store backend. Driver is "sqlite3" or "postgres";
// an empty DSN with the postgres driver falls back to the Database section.
type StoreConfig struct {
	Driver string
	DSN    string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// StoreDSN returns the data source name for the configured store driver.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	if c.Store.Driver == "postgres" {
		return c.Database.ConnectionString()
	}
	return "./data/readings.db"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	Backend string // memory or redis
	TTL     time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	TopicReadings string
	TopicAlerts   string
	NumPartitions int
	BatchSize     int
	FlushInterval time.Duration
}

type TCPServerConfig struct {
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
}

type LocationConfig struct {
	Latitude  float64
	Longitude float64
	Timezone  string
}

type IngestConfig struct {
	OpenMeteoURL      string
	PollInterval      time.Duration
	RequestsPerSecond float64
	Timeout           time.Duration
	DirectWrite       bool
	AlignOffset       time.Duration
}

type AnalyticsConfig struct {
	TrendEpsilon       float64
	WindowDays         int
	BoxplotDays        int
	AnomalyWindow      time.Duration
	AnomalyLookback    time.Duration
	WarningZ           float64
	CriticalZ          float64
	PredictWindow      time.Duration
	PredictMinSamples  int
	PredictHorizon     time.Duration
	PredictModel       string
	PredictDayLookback time.Duration
	MinTemperature     float64
	MaxTemperature     float64
	ClockSkew          time.Duration
	RecentLimit        int
	AlertInterval      time.Duration
}

type HealthConfig struct {
	BatteryWeight      float64
	ConnectivityWeight float64
	UptimeWeight       float64
	BatteryFloor       float64
	BatteryWarning     float64
	ExpectedPoll       time.Duration
	OfflineGrace       time.Duration
	ReadingsStaleAfter time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type MetricsConfig struct {
	Port int
}

type LogConfig struct {
	Level string
	File  string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "sqlite3"),
			DSN:    getEnv("STORE_DSN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "weather_user"),
			Password: getEnv("DB_PASSWORD", "weather_pass"),
			DBName:   getEnv("DB_NAME", "weather_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend: getEnv("CACHE_BACKEND", "memory"),
			TTL:     getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicReadings: getEnv("KAFKA_TOPIC_READINGS", "weather.readings.raw"),
			TopicAlerts:   getEnv("KAFKA_TOPIC_ALERTS", "weather.alerts"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 5*time.Second),
		},
		TCPServer: TCPServerConfig{
			Port:              getEnvAsInt("TCP_PORT", 8080),
			MaxConnections:    getEnvAsInt("TCP_MAX_CONNECTIONS", 10000),
			IdentifyTimeout:   getEnvAsDuration("TCP_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("TCP_INACTIVITY_TIMEOUT", 2*time.Minute),
		},
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", ""),
			ClientID: getEnv("MQTT_CLIENT_ID", "iot-watch"),
			Topic:    getEnv("MQTT_TOPIC", "sensors/+/status"),
		},
		Location: LocationConfig{
			Latitude:  getEnvAsFloat("LOCATION_LATITUDE", 30.4202),
			Longitude: getEnvAsFloat("LOCATION_LONGITUDE", -9.5982),
			Timezone:  getEnv("LOCATION_TIMEZONE", "UTC"),
		},
		Ingest: IngestConfig{
			OpenMeteoURL:      getEnv("OPEN_METEO_URL", "https://api.open-meteo.com"),
			PollInterval:      getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
			RequestsPerSecond: getEnvAsFloat("POLL_RATE_LIMIT", 1),
			Timeout:           getEnvAsDuration("POLL_TIMEOUT", 10*time.Second),
			DirectWrite:       getEnvAsBool("POLL_DIRECT_WRITE", false),
			AlignOffset:       getEnvAsDuration("POLL_ALIGN_OFFSET", 0),
		},
		Analytics: AnalyticsConfig{
			TrendEpsilon:       getEnvAsFloat("TREND_EPSILON", 0.05),
			WindowDays:         getEnvAsInt("AGG_WINDOW_DAYS", 7),
			BoxplotDays:        getEnvAsInt("BOXPLOT_DAYS", 5),
			AnomalyWindow:      getEnvAsDuration("ANOMALY_WINDOW", 24*time.Hour),
			AnomalyLookback:    getEnvAsDuration("ANOMALY_LOOKBACK", 7*24*time.Hour),
			WarningZ:           getEnvAsFloat("ANOMALY_WARNING_Z", 2.0),
			CriticalZ:          getEnvAsFloat("ANOMALY_CRITICAL_Z", 3.0),
			PredictWindow:      getEnvAsDuration("PREDICT_WINDOW", 24*time.Hour),
			PredictMinSamples:  getEnvAsInt("PREDICT_MIN_SAMPLES", 3),
			PredictHorizon:     getEnvAsDuration("PREDICT_HORIZON", time.Hour),
			PredictModel:       getEnv("PREDICT_MODEL", "linear"),
			PredictDayLookback: getEnvAsDuration("PREDICT_DAY_LOOKBACK", 7*24*time.Hour),
			MinTemperature:     getEnvAsFloat("TEMP_MIN", -90),
			MaxTemperature:     getEnvAsFloat("TEMP_MAX", 60),
			ClockSkew:          getEnvAsDuration("CLOCK_SKEW", 2*time.Minute),
			RecentLimit:        getEnvAsInt("RECENT_LIMIT", 10),
			AlertInterval:      getEnvAsDuration("ALERT_INTERVAL", time.Minute),
		},
		Health: HealthConfig{
			BatteryWeight:      getEnvAsFloat("HEALTH_WEIGHT_BATTERY", 0.3),
			ConnectivityWeight: getEnvAsFloat("HEALTH_WEIGHT_CONNECTIVITY", 0.4),
			UptimeWeight:       getEnvAsFloat("HEALTH_WEIGHT_UPTIME", 0.3),
			BatteryFloor:       getEnvAsFloat("HEALTH_BATTERY_FLOOR", 5),
			BatteryWarning:     getEnvAsFloat("HEALTH_BATTERY_WARNING", 20),
			ExpectedPoll:       getEnvAsDuration("HEALTH_EXPECTED_POLL", 5*time.Minute),
			OfflineGrace:       getEnvAsDuration("HEALTH_OFFLINE_GRACE", 10*time.Minute),
			ReadingsStaleAfter: getEnvAsDuration("READINGS_STALE_AFTER", 15*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "iot-watch@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		Metrics: MetricsConfig{
			Port: getEnvAsInt("METRICS_PORT", 9100),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the analytics core cannot work with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.Cache.Backend)
	}
	if c.Analytics.MinTemperature >= c.Analytics.MaxTemperature {
		return fmt.Errorf("TEMP_MIN must be below TEMP_MAX")
	}
	if c.Analytics.WarningZ <= 0 || c.Analytics.WarningZ >= c.Analytics.CriticalZ {
		return fmt.Errorf("anomaly thresholds must satisfy 0 < warning < critical")
	}
	if c.Analytics.WindowDays < 1 || c.Analytics.BoxplotDays < 1 {
		return fmt.Errorf("aggregation windows must be at least one day")
	}
	if c.Analytics.PredictMinSamples < 2 {
		return fmt.Errorf("PREDICT_MIN_SAMPLES must be at least 2")
	}
	h := c.Health
	if h.BatteryWeight < 0 || h.ConnectivityWeight < 0 || h.UptimeWeight < 0 {
		return fmt.Errorf("health weights must not be negative")
	}
	if h.BatteryWeight+h.ConnectivityWeight+h.UptimeWeight <= 0 {
		return fmt.Errorf("health weights must not all be zero")
	}
	if h.BatteryFloor < 0 || h.BatteryFloor >= 100 {
		return fmt.Errorf("HEALTH_BATTERY_FLOOR must be within [0, 100)")
	}
	if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
		return fmt.Errorf("invalid LOCATION_TIMEZONE: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
