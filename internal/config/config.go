package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env                 string
	Port                string
	LogLevel            string
	SessionSecret       string
	DatabaseURL         string
	RedisURL            string
	RabbitMQURL         string // audit trail broker; empty disables publishing
	FrontendURLEndsWith string
	DevPassword         string
	AllowCrossSiteDev   bool
	HealthAdminKey      string
	InternalAPIKey      string // shared with the checkout pipeline and staff tools

	Holds HoldConfig
	Hub   HubConfig
}

// HoldConfig tunes the hold engine. Durations accept Go syntax ("10m", "30s").
type HoldConfig struct {
	CartTTL       time.Duration
	CheckoutTTL   time.Duration
	StaffTTL      time.Duration
	MaxExtensions int
	StoreTimeout  time.Duration
	SweepInterval time.Duration
	SweepLockTTL  time.Duration
}

// HubConfig tunes WebSocket liveness.
type HubConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("HOLD_TTL_CART", "10m")
	viper.SetDefault("HOLD_TTL_CHECKOUT", "15m")
	viper.SetDefault("HOLD_TTL_STAFF", "60m")
	viper.SetDefault("HOLD_MAX_EXTENSIONS", 2)
	viper.SetDefault("STORE_TIMEOUT", "5s")
	viper.SetDefault("SWEEP_INTERVAL", "30s")
	viper.SetDefault("SWEEP_LOCK_TTL", "25s")
	viper.SetDefault("WS_PING_INTERVAL", "30s")
	viper.SetDefault("WS_PONG_TIMEOUT", "60s")
	viper.SetDefault("LOG_LEVEL", "info")

	port := viper.GetString("PORT")
	if port == "" {
		port = "8080"
	}
	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	dbURL := viper.GetString("DATABASE_URL_DEV")
	if env == "production" {
		dbURL = viper.GetString("DATABASE_URL_PROD")
	} else if env == "test" {
		dbURL = viper.GetString("DATABASE_URL_TEST")
	}
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	return &Config{
		Env:                 env,
		Port:                port,
		LogLevel:            viper.GetString("LOG_LEVEL"),
		SessionSecret:       viper.GetString("SESSION_SECRET"),
		DatabaseURL:         dbURL,
		RedisURL:            viper.GetString("REDIS_URL"),
		RabbitMQURL:         viper.GetString("RABBITMQ_URL"),
		FrontendURLEndsWith: viper.GetString("FRONTEND_URL_ENDS_WITH"),
		DevPassword:         viper.GetString("DEV_PASSWORD"),
		AllowCrossSiteDev:   strings.EqualFold(viper.GetString("ALLOW_CROSS_SITE_DEV"), "true"),
		HealthAdminKey:      viper.GetString("HEALTH_ADMIN_KEY"),
		InternalAPIKey:      viper.GetString("INTERNAL_API_KEY"),
		Holds: HoldConfig{
			CartTTL:       viper.GetDuration("HOLD_TTL_CART"),
			CheckoutTTL:   viper.GetDuration("HOLD_TTL_CHECKOUT"),
			StaffTTL:      viper.GetDuration("HOLD_TTL_STAFF"),
			MaxExtensions: viper.GetInt("HOLD_MAX_EXTENSIONS"),
			StoreTimeout:  viper.GetDuration("STORE_TIMEOUT"),
			SweepInterval: viper.GetDuration("SWEEP_INTERVAL"),
			SweepLockTTL:  viper.GetDuration("SWEEP_LOCK_TTL"),
		},
		Hub: HubConfig{
			PingInterval: viper.GetDuration("WS_PING_INTERVAL"),
			PongTimeout:  viper.GetDuration("WS_PONG_TIMEOUT"),
		},
	}, nil
}
