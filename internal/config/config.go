package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type AppEnv string

const (
	ProductionEnv AppEnv = "production"
	DevelopEnv    AppEnv = "develop"
	LocalEnv      AppEnv = "local"
	TestEnv       AppEnv = "test"
)

type (
	Config struct {
		AppEnv   AppEnv
		LogLevel logrus.Level
		HTTP     HTTP
		Database Database
		Kafka    Kafka
		Auth     Auth
		Queue    Queue
	}

	HTTP struct {
		Port int
	}

	Database struct {
		Postgres Postgres
		Redis    Redis
	}

	Postgres struct {
		Host     string
		Port     int
		Username string
		Password string
		Database string
	}

	// Redis с пустым Addr отключён: индекс членства и рассылка работают в памяти процесса.
	Redis struct {
		Addr     string
		Password string
		Database int
	}

	// Kafka с пустым Brokers отключена.
	Kafka struct {
		Brokers string
		Topic   string
	}

	Auth struct {
		AccessSecret  string
		RefreshSecret string
		AccessTTL     time.Duration
		RefreshTTL    time.Duration
	}

	Queue struct {
		TokenSecret           string
		TokenTTL              time.Duration
		DefaultServiceMinutes int
		RecorderBuffer        int
	}
)

func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.Username, p.Password, p.Database)
}

func (r Redis) Enabled() bool { return r.Addr != "" }

func (k Kafka) Enabled() bool { return k.Brokers != "" }

// Load читает .env (если не задан ENV_CHEK) и переменные окружения.
func Load() (*Config, error) {
	if os.Getenv("ENV_CHEK") == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "config: load .env")
		}
	}
	return FromEnv()
}

// FromEnv собирает конфигурацию только из переменных окружения.
func FromEnv() (*Config, error) {
	r := reader{}
	cfg := &Config{
		AppEnv: AppEnv(r.str("APP_ENV", string(LocalEnv))),
		HTTP:   HTTP{Port: r.integer("HTTP_PORT", 8080)},
		Database: Database{
			Postgres: Postgres{
				Host:     r.str("DB_HOST", "localhost"),
				Port:     r.integer("DB_PORT", 5432),
				Username: r.str("DB_USER", "postgres"),
				Password: r.str("DB_PASSWORD", ""),
				Database: r.str("DB_NAME", "waitline"),
			},
			Redis: Redis{
				Addr:     r.str("REDIS_ADDR", ""),
				Password: r.str("REDIS_PASSWORD", ""),
				Database: r.integer("REDIS_DB", 0),
			},
		},
		Kafka: Kafka{
			Brokers: r.str("KAFKA_BROKERS", ""),
			Topic:   r.str("KAFKA_TOPIC", "waitline.queue-deltas"),
		},
		Auth: Auth{
			AccessSecret:  r.str("JWT_ACCESS_SECRET", ""),
			RefreshSecret: r.str("JWT_REFRESH_SECRET", ""),
			AccessTTL:     r.duration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:    r.duration("JWT_REFRESH_TTL", 7*24*time.Hour),
		},
		Queue: Queue{
			TokenSecret:           r.str("QUEUE_TOKEN_SECRET", ""),
			TokenTTL:              r.duration("QUEUE_TOKEN_TTL", 24*time.Hour),
			DefaultServiceMinutes: r.integer("DEFAULT_SERVICE_MINUTES", 15),
			RecorderBuffer:        r.integer("RECORDER_BUFFER", 1024),
		},
	}

	level, err := logrus.ParseLevel(r.str("LOG_LEVEL", "info"))
	if err != nil {
		r.fail("LOG_LEVEL", err)
	}
	cfg.LogLevel = level

	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if c.Queue.TokenSecret == "" {
		return errors.New("config: QUEUE_TOKEN_SECRET is required")
	}
	if c.Queue.DefaultServiceMinutes <= 0 {
		return errors.New("config: DEFAULT_SERVICE_MINUTES must be positive")
	}
	if c.Queue.RecorderBuffer <= 0 {
		return errors.New("config: RECORDER_BUFFER must be positive")
	}
	return nil
}

// NewLogger строит логгер по конфигурации: JSON в production, текст в остальных окружениях.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.AppEnv == ProductionEnv {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

type reader struct {
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "config: %s", key)
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}
