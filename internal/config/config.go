/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables, with an
 * optional .env file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`

	MpesaBaseURL        string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode      string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `mapstructure:"MPESA_CALLBACK_URL"`

	LoanInterestRatePercent float64 `mapstructure:"LOAN_INTEREST_RATE_PERCENT"`
	LoanTermDays            int     `mapstructure:"LOAN_TERM_DAYS"`
	LoanDueSweepMinutes     int     `mapstructure:"LOAN_DUE_SWEEP_MINUTES"`

	TransferPINMaxAttempts    int `mapstructure:"TRANSFER_PIN_MAX_ATTEMPTS"`
	TransferPINLockoutSeconds int `mapstructure:"TRANSFER_PIN_LOCKOUT_SECONDS"`

	TransferRateLimitPerMinute int `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	StkPushRateLimitPerMinute  int `mapstructure:"STK_PUSH_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "smartbank:rate_limit")
	viper.SetDefault("EVENT_EXCHANGE", "smartbank.events")
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("LOAN_INTEREST_RATE_PERCENT", 10.0)
	viper.SetDefault("LOAN_TERM_DAYS", 30)
	viper.SetDefault("LOAN_DUE_SWEEP_MINUTES", 60)
	viper.SetDefault("TRANSFER_PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("TRANSFER_PIN_LOCKOUT_SECONDS", 600)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("STK_PUSH_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_CALLBACK_URL")
	_ = viper.BindEnv("LOAN_INTEREST_RATE_PERCENT")
	_ = viper.BindEnv("LOAN_TERM_DAYS")
	_ = viper.BindEnv("LOAN_DUE_SWEEP_MINUTES")
	_ = viper.BindEnv("TRANSFER_PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("TRANSFER_PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STK_PUSH_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "smartbank:rate_limit"
	}

	if config.LoanInterestRatePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative loan interest rate configured; coercing to zero\" rate_percent=%f", config.LoanInterestRatePercent)
		config.LoanInterestRatePercent = 0
	}
	if config.LoanTermDays <= 0 {
		config.LoanTermDays = 30
	}
	if config.LoanDueSweepMinutes <= 0 {
		config.LoanDueSweepMinutes = 60
	}
	if config.TransferPINMaxAttempts <= 0 {
		config.TransferPINMaxAttempts = 5
	}
	if config.TransferPINLockoutSeconds <= 0 {
		config.TransferPINLockoutSeconds = 600
	}
	if config.TransferRateLimitPerMinute <= 0 {
		config.TransferRateLimitPerMinute = 30
	}
	if config.StkPushRateLimitPerMinute <= 0 {
		config.StkPushRateLimitPerMinute = 10
	}

	return
}
