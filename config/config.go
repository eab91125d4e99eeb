package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/configparser"
)

// Flags
var (
	modeFlag = flag.String("mode", "", "application mode")
)

// Errors
var (
	ErrModeNotProvided = errors.New("mode flag not provided")
)

// Config contains all configuration variables of the application
type (
	Config struct {
		Mode types.ServiceMode

		Database DatabaseConfig
		Redis    RedisConfig
		RabbitMQ RabbitMQConfig
		Dispatch DispatchConfig
		Services ServicesConfig
		Auth     Auth
	}

	DatabaseConfig struct {
		Host     string `env:"DATABASE_HOST" default:"localhost"`
		Port     string `env:"DATABASE_PORT" default:"5432"`
		User     string `env:"DATABASE_USER" default:"dispatch_user"`
		Password string `env:"DATABASE_PASSWORD" default:"dispatch_pass"`
		Database string `env:"DATABASE_DATABASE" default:"dispatch_db"`

		MaxConns        int32         `env:"DATABASE_MAXCONNS" default:"20"`
		MinConns        int32         `env:"DATABASE_MINCONNS" default:"2"`
		MaxConnLifetime time.Duration `env:"DATABASE_MAXCONNLIFETIME" default:"30m"`
		MaxConnIdleTime time.Duration `env:"DATABASE_MAXCONNIDLETIME" default:"5m"`
	}

	RedisConfig struct {
		Addr     string `env:"REDIS_ADDR" default:"localhost:6379"`
		Password string `env:"REDIS_PASSWORD" default:""`
		DB       int    `env:"REDIS_DB" default:"0"`
	}

	RabbitMQConfig struct {
		Host     string `env:"RABBITMQ_HOST" default:"localhost"`
		Port     string `env:"RABBITMQ_PORT" default:"5672"`
		User     string `env:"RABBITMQ_USER" default:"guest"`
		Password string `env:"RABBITMQ_PASSWORD" default:"guest"`
	}

	// DispatchConfig holds the offer cascade tunables. The global timeout is
	// a backstop and should stay well above the per-offer timeout.
	DispatchConfig struct {
		OfferTimeout      time.Duration `env:"DISPATCH_OFFER_TIMEOUT" default:"30s"`
		GlobalTimeout     time.Duration `env:"DISPATCH_GLOBAL_TIMEOUT" default:"60s"`
		MaxOfferStaleness time.Duration `env:"DISPATCH_MAX_OFFER_STALENESS" default:"2m"`
		ActiveSlotTTL     time.Duration `env:"DISPATCH_ACTIVE_SLOT_TTL" default:"90s"`

		LockTTL        time.Duration `env:"DISPATCH_LOCK_TTL" default:"5s"`
		LockMaxRetries int           `env:"DISPATCH_LOCK_MAX_RETRIES" default:"10"`

		SearchRadiiKm   string        `env:"DISPATCH_SEARCH_RADII_KM" default:"5,7,10"`
		SweepInterval   time.Duration `env:"DISPATCH_SWEEP_INTERVAL" default:"30s"`
		JobPollInterval time.Duration `env:"DISPATCH_JOB_POLL_INTERVAL" default:"500ms"`
	}

	ServicesConfig struct {
		DispatchService string `env:"SERVICES_DISPATCH_SERVICE" default:"3000"`
		TimeoutWorker   string `env:"SERVICES_TIMEOUT_WORKER" default:"3001"`
	}

	Auth struct {
		JWTSecret string `env:"AUTH_JWT_SECRET" default:"supersecretkey"`
	}
)

func (c DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func (c RabbitMQConfig) GetDSN() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		c.User,
		c.Password,
		c.Host,
		c.Port,
	)
}

// SearchRadii parses the comma-separated radius escalation steps.
func (c DispatchConfig) SearchRadii() []float64 {
	var out []float64
	for _, s := range strings.Split(c.SearchRadiiKm, ",") {
		r, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || r <= 0 {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		out = []float64{5, 7, 10}
	}
	return out
}

func (c RedisConfig) GetAddr() string     { return c.Addr }
func (c RedisConfig) GetPassword() string { return c.Password }
func (c RedisConfig) GetDB() int          { return c.DB }

func NewConfig(filepath string) (*Config, error) {
	cfg := &Config{}

	// Loading enviromental variables and parsing to config struct.
	if err := configparser.LoadAndParseYaml(filepath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load and parse config: %w", err)
	}

	// Parsing flags
	if err := parseFlags(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	return cfg, nil
}

func parseFlags(cfg *Config) error {
	if modeFlag == nil || *modeFlag == "" {
		return ErrModeNotProvided
	}

	cfg.Mode = types.ServiceMode(*modeFlag)

	return nil
}
