package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration, loaded from config.yaml
// with environment variable overrides (PAYGATE_ prefix).
type Config struct {
	App      App      `mapstructure:"app"`
	MySQL    MySQL    `mapstructure:"mysql"`
	Payment  Payment  `mapstructure:"payment"`
	Poller   Poller   `mapstructure:"poller"`
	Recovery Recovery `mapstructure:"recovery"`
}

type App struct {
	Port int `mapstructure:"port"`
}

type MySQL struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// DSN builds the MySQL connection string.
func (m MySQL) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.User, m.Password, m.Host, m.Port, m.DBName)
}

// Payment holds provider credentials and the retry/timeout policy for
// outbound payment calls.
type Payment struct {
	BaseURL           string        `mapstructure:"base_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	BearerToken       string        `mapstructure:"bearer_token"`
	WalletMpesa       string        `mapstructure:"wallet_mpesa"`
	WalletEmola       string        `mapstructure:"wallet_emola"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	TotalTimeout      time.Duration `mapstructure:"total_timeout"`
	AmountMin         float64       `mapstructure:"amount_min"`
	AmountMax         float64       `mapstructure:"amount_max"`
}

type Poller struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout"`
	MaxChecks      int           `mapstructure:"max_checks"`
}

type Recovery struct {
	Warmup           time.Duration `mapstructure:"warmup"`
	Period           time.Duration `mapstructure:"period"`
	SendDelay        time.Duration `mapstructure:"send_delay"`
	ConversionWindow time.Duration `mapstructure:"conversion_window"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BatchSize        int           `mapstructure:"batch_size"`
	CheckoutBaseURL  string        `mapstructure:"checkout_base_url"`
	MessengerURL     string        `mapstructure:"messenger_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", 3000)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.dbname", "paygate")

	v.SetDefault("payment.max_attempts", 3)
	v.SetDefault("payment.initial_delay", "1s")
	v.SetDefault("payment.backoff_multiplier", 2.0)
	v.SetDefault("payment.connection_timeout", "10s")
	v.SetDefault("payment.response_timeout", "30s")
	v.SetDefault("payment.total_timeout", "60s")
	v.SetDefault("payment.amount_min", 1.0)
	v.SetDefault("payment.amount_max", 100000.0)

	v.SetDefault("poller.check_interval", "5s")
	v.SetDefault("poller.overall_timeout", "60s")
	v.SetDefault("poller.max_checks", 12)

	v.SetDefault("recovery.warmup", "30s")
	v.SetDefault("recovery.period", "5m")
	v.SetDefault("recovery.send_delay", "30m")
	v.SetDefault("recovery.conversion_window", "72h")
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.batch_size", 50)
}

// Load reads config.yaml from the working directory, applies defaults
// and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	setDefaults(v)

	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, defaults plus env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	p := c.Payment
	if p.ConnectionTimeout > p.TotalTimeout {
		return fmt.Errorf("config: connection_timeout (%s) exceeds total_timeout (%s)", p.ConnectionTimeout, p.TotalTimeout)
	}
	if p.ResponseTimeout > p.TotalTimeout {
		return fmt.Errorf("config: response_timeout (%s) exceeds total_timeout (%s)", p.ResponseTimeout, p.TotalTimeout)
	}
	if p.AmountMin >= p.AmountMax {
		return fmt.Errorf("config: amount_min (%v) must be below amount_max (%v)", p.AmountMin, p.AmountMax)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("config: payment.max_attempts must be at least 1")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("config: payment.backoff_multiplier must be at least 1")
	}
	if c.Poller.MaxChecks < 1 {
		return fmt.Errorf("config: poller.max_checks must be at least 1")
	}
	if c.Poller.CheckInterval <= 0 {
		return fmt.Errorf("config: poller.check_interval must be positive")
	}
	if c.Recovery.Period <= 0 {
		return fmt.Errorf("config: recovery.period must be positive")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("config: recovery.max_attempts must be at least 1")
	}
	return nil
}
