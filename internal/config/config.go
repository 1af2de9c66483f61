package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file applied over the defaults
// before environment variables.
const ConfigFileEnv = "CONFIG_FILE"

// ServerConfig captures all tunable parameters for the dispatch server.
// Values come from defaults, then the optional YAML file, then environment
// variables, so the binary can run locally with only JWT_SECRET set.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers        []string `yaml:"kafka_brokers"`
	KafkaLocationsTopic string   `yaml:"kafka_locations_topic"`
	KafkaRidesTopic     string   `yaml:"kafka_rides_topic"`

	// PGDSN backs rides and users; LedgerDSN backs wallets and falls back
	// to PGDSN when empty.
	PGDSN     string `yaml:"pg_dsn"`
	LedgerDSN string `yaml:"ledger_dsn"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	OfferRadiusM    float64 `yaml:"offer_radius_m"`
	DefaultSpeedMps float64 `yaml:"default_speed_mps"`
	PoolCapacity    int     `yaml:"pool_capacity"`

	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout     time.Duration `yaml:"ws_pong_timeout"`
	WSSendBuffer      int           `yaml:"ws_send_buffer"`
	WSMaxMessageBytes int64         `yaml:"ws_max_message_bytes"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaLocationsTopic: "driver-locations",
		KafkaRidesTopic:     "ride-events",
		JWTIssuer:           "ride-dispatch",
		OfferRadiusM:        5000,
		DefaultSpeedMps:     10,
		PoolCapacity:        3,
		WSWriteTimeout:      10 * time.Second,
		WSPongTimeout:       60 * time.Second,
		WSSendBuffer:        64,
		WSMaxMessageBytes:   64 << 10,
		LogLevel:            "info",
		MigrationsDir:       "migrations",
	}
}

// LoadServerConfig builds the server configuration. path, when empty,
// defaults to $CONFIG_FILE; no file at all is fine.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigFileEnv))
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRidesTopic, "KAFKA_RIDES_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.LedgerDSN, "LEDGER_DSN")
	if cfg.LedgerDSN == "" {
		cfg.LedgerDSN = cfg.PGDSN
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setFloatFromEnv(&cfg.OfferRadiusM, "MATCHER_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.PoolCapacity, "POOL_CAPACITY", &errs)

	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSPongTimeout, "WS_PONG_TIMEOUT", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	errs = append(errs, cfg.Validate())
	return cfg, errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.OfferRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_M must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}
	if c.PoolCapacity < 2 {
		errs = append(errs, fmt.Errorf("POOL_CAPACITY must be >= 2"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if c.WSPongTimeout <= 0 || c.WSWriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("websocket timeouts must be > 0"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the location projection consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_locations_topic"`
	KafkaGroup    string   `yaml:"kafka_group"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisGeoKey   string   `yaml:"redis_geo_key"`
	MetricsAddr   string   `yaml:"metrics_addr"`
	LogLevel      string   `yaml:"log_level"`
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigFileEnv))
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must name at least one broker")
	}
	return cfg, nil
}

// loadYAML decodes path over out. Unknown keys are an error so typos do
// not pass silently.
func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
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
