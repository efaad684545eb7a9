package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/ride-dispatch/internal/storage"
)

// Config captures every tunable of the dispatch engine. Values come from
// defaults, then an optional YAML/JSON file, then environment variables, so
// the binary runs locally with no setup at all.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Store    StoreConfig    `json:"store"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Push     PushConfig     `json:"push"`
	Payments PaymentsConfig `json:"payments"`
	ETA      ETAConfig      `json:"eta"`
	Matching MatchingConfig `json:"matching"`
	Sweep    SweepConfig    `json:"sweep"`
	Fraud    FraudConfig    `json:"fraud"`
	Breaker  BreakerConfig  `json:"breaker"`
	LogLevel string         `json:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type StoreConfig struct {
	// Driver is one of memory, postgres, sqlite.
	Driver     string `json:"driver"`
	PGDSN      string `json:"pg_dsn"`
	SQLitePath string `json:"sqlite_path"`
	Migrate    bool   `json:"migrate"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	KeyPrefix string `json:"key_prefix"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
}

type PushConfig struct {
	FCMProjectID       string  `json:"fcm_project_id"`
	FCMCredentialsFile string  `json:"fcm_credentials_file"`
	WebhookURL         string  `json:"webhook_url"`
	WebhookRatePerSec  float64 `json:"webhook_rate_per_sec"`
	WebhookBurst       int     `json:"webhook_burst"`
}

type PaymentsConfig struct {
	StripeKey string `json:"stripe_key"`
}

type ETAConfig struct {
	OSRMURL     string  `json:"osrm_url"`
	AvgSpeedKmh float64 `json:"avg_speed_kmh"`
}

type MatchingConfig struct {
	RadiusKm     float64 `json:"radius_km"`
	MinRating    float64 `json:"min_rating"`
	MinBattery   int     `json:"min_battery"`
	NearestLimit int     `json:"nearest_limit"`
}

type SweepConfig struct {
	Schedule        string        `json:"schedule"`
	AssignedTimeout time.Duration `json:"assigned_timeout"`
	PendingTimeout  time.Duration `json:"pending_timeout"`
	MaxRedispatches int           `json:"max_redispatches"`
	ScanLimit       int           `json:"scan_limit"`
}

type FraudConfig struct {
	MaxSpeedKmh float64       `json:"max_speed_kmh"`
	MaxIdle     time.Duration `json:"max_idle"`
}

type BreakerConfig struct {
	MaxPerHour           int64         `json:"max_per_hour"`
	MaxPerDay            int64         `json:"max_per_day"`
	MaxConsecutiveErrors int64         `json:"max_consecutive_errors"`
	Cooldown             time.Duration `json:"cooldown"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store:    StoreConfig{Driver: "memory", SQLitePath: "dispatch.db"},
		Redis:    RedisConfig{KeyPrefix: "dispatch:breaker"},
		Kafka:    KafkaConfig{Topic: "dispatch-triggers", GroupID: "dispatch-engine"},
		MQTT:     MQTTConfig{Topic: "trips/+/telemetry", ClientID: "dispatch-engine"},
		Push:     PushConfig{WebhookRatePerSec: 20, WebhookBurst: 40},
		ETA:      ETAConfig{AvgSpeedKmh: 30},
		Matching: MatchingConfig{RadiusKm: 10, MinRating: 4.0, MinBattery: 20, NearestLimit: 5},
		Sweep: SweepConfig{
			Schedule:        "@every 60s",
			AssignedTimeout: 30 * time.Second,
			PendingTimeout:  5 * time.Minute,
			MaxRedispatches: 5,
			ScanLimit:       500,
		},
		Fraud: FraudConfig{MaxSpeedKmh: 150, MaxIdle: 10 * time.Minute},
		Breaker: BreakerConfig{
			MaxPerHour:           5000,
			MaxPerDay:            50000,
			MaxConsecutiveErrors: 5,
			Cooldown:             5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load layers defaults, the optional file at path and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	errs := applyEnv(&cfg)
	cfg.normalizeStoreDriver()
	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func loadFile(path string, cfg *Config) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) []error {
	var errs []error

	setStringFromEnv(&cfg.HTTP.Addr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.Store.Driver, "STORE_DRIVER")
	setStringFromEnv(&cfg.Store.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.Store.SQLitePath, "SQLITE_PATH")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.Store.Migrate = strings.EqualFold(v, "true")
	}
	// A DSN alone is enough to pick Postgres.
	if os.Getenv("STORE_DRIVER") == "" && os.Getenv("PG_DSN") != "" {
		cfg.Store.Driver = "postgres"
	}

	setStringFromEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.Kafka.GroupID, "KAFKA_GROUP_ID")

	setStringFromEnv(&cfg.MQTT.Broker, "MQTT_BROKER")
	setStringFromEnv(&cfg.MQTT.Topic, "MQTT_TOPIC")
	setStringFromEnv(&cfg.MQTT.ClientID, "MQTT_CLIENT_ID")

	setStringFromEnv(&cfg.Push.FCMProjectID, "FCM_PROJECT_ID")
	setStringFromEnv(&cfg.Push.FCMCredentialsFile, "FCM_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.Push.WebhookURL, "PUSH_WEBHOOK_URL")
	setFloatFromEnv(&cfg.Push.WebhookRatePerSec, "PUSH_WEBHOOK_RATE", &errs)

	setStringFromEnv(&cfg.Payments.StripeKey, "STRIPE_KEY")
	setStringFromEnv(&cfg.ETA.OSRMURL, "OSRM_URL")

	setFloatFromEnv(&cfg.Matching.RadiusKm, "MATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Matching.MinRating, "MATCH_MIN_RATING", &errs)
	setIntFromEnv(&cfg.Matching.MinBattery, "MATCH_MIN_BATTERY", &errs)

	setStringFromEnv(&cfg.Sweep.Schedule, "SWEEP_SCHEDULE")
	setDurationFromEnv(&cfg.Sweep.AssignedTimeout, "SWEEP_ASSIGNED_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Sweep.PendingTimeout, "SWEEP_PENDING_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Sweep.MaxRedispatches, "SWEEP_MAX_REDISPATCHES", &errs)

	setFloatFromEnv(&cfg.Fraud.MaxSpeedKmh, "FRAUD_MAX_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.Fraud.MaxIdle, "FRAUD_MAX_IDLE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return errs
}

// normalizeStoreDriver maps SQL driver aliases such as pg or sqlite3 onto
// the canonical dialect name.
func (c *Config) normalizeStoreDriver() {
	if d, err := storage.DialectFor(c.Store.Driver); err == nil {
		c.Store.Driver = d.Name
	}
}

func (c Config) validate() []error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PGDSN == "" {
			errs = append(errs, fmt.Errorf("store driver postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Matching.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.Matching.NearestLimit <= 0 {
		errs = append(errs, fmt.Errorf("nearest_limit must be > 0"))
	}
	if c.Sweep.AssignedTimeout <= 0 || c.Sweep.PendingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sweep timeouts must be > 0"))
	}
	if c.Sweep.MaxRedispatches < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_MAX_REDISPATCHES must be >= 0"))
	}
	if c.Fraud.MaxSpeedKmh <= 0 || c.Fraud.MaxIdle <= 0 {
		errs = append(errs, fmt.Errorf("fraud thresholds must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
