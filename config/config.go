/*
config.go - Process configuration

PURPOSE:
  Loads server settings from defaults, an optional config file and
  ASSESS_-prefixed environment variables, in increasing precedence.

KEYS (env form):
  ASSESS_HTTP_PORT                       8080
  ASSESS_DB_PATH                         assessment.db
  ASSESS_DEBUG                           false (error details in responses, console logs)
  ASSESS_LOG_LEVEL                       info
  ASSESS_BILLING_DEFAULT_PRICE_PER_USER  4.35 (used while no price setting is stored)
  ASSESS_BILLING_WELCOME_BONUS           10
  ASSESS_BILLING_CURRENCY                INR
  ASSESS_SWEEP_INTERVAL                  1m
  ASSESS_VALKEY_ADDR                     empty: in-process sweep lock
  ASSESS_HTTP_CORS_ORIGINS               comma separated

SEE ALSO:
  - cmd/server/main.go
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTP
	Database Database
	Billing  Billing
	Sweep    Sweep
	Valkey   Valkey
	Debug    bool
	LogLevel string
}

type HTTP struct {
	Port        int
	CORSOrigins []string
}

type Database struct {
	Path string
}

type Billing struct {
	DefaultPricePerUser decimal.Decimal
	WelcomeBonus        decimal.Decimal
	Currency            string
}

type Sweep struct {
	Interval time.Duration
}

type Valkey struct {
	Addr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.cors_origins", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("db.path", "assessment.db")
	v.SetDefault("debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("billing.default_price_per_user", "4.35")
	v.SetDefault("billing.welcome_bonus", "10")
	v.SetDefault("billing.currency", "INR")
	v.SetDefault("sweep.interval", "1m")
	v.SetDefault("valkey.addr", "")
}

// Load reads configuration. configFile may be empty, in which case
// ./config.yaml is used when present.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ASSESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("no config file, using defaults and environment")
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	price, err := decimal.NewFromString(v.GetString("billing.default_price_per_user"))
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("billing.default_price_per_user: invalid amount %q", v.GetString("billing.default_price_per_user"))
	}
	bonus, err := decimal.NewFromString(v.GetString("billing.welcome_bonus"))
	if err != nil || bonus.IsNegative() {
		return nil, fmt.Errorf("billing.welcome_bonus: invalid amount %q", v.GetString("billing.welcome_bonus"))
	}
	interval := v.GetDuration("sweep.interval")
	if interval <= 0 {
		return nil, fmt.Errorf("sweep.interval: must be positive, got %q", v.GetString("sweep.interval"))
	}

	cfg := &Config{
		HTTP: HTTP{
			Port:        v.GetInt("http.port"),
			CORSOrigins: splitList(v.GetString("http.cors_origins")),
		},
		Database: Database{Path: v.GetString("db.path")},
		Billing: Billing{
			DefaultPricePerUser: price,
			WelcomeBonus:        bonus,
			Currency:            v.GetString("billing.currency"),
		},
		Sweep:    Sweep{Interval: interval},
		Valkey:   Valkey{Addr: v.GetString("valkey.addr")},
		Debug:    v.GetBool("debug"),
		LogLevel: v.GetString("log.level"),
	}
	return cfg, nil
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
