/**
 * @description
 * This file handles the configuration management for the settlement service.
 * It uses the 'viper' library to load configuration from environment variables,
 * providing a centralized and consistent way to manage application settings.
 */
package config

import (
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	// Payment processor (hosted checkout + webhooks).
	PaymentAPIBaseURL    string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey        string `mapstructure:"PAYMENT_API_KEY"`
	PaymentWebhookSecret string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	SubscriptionPriceID  string `mapstructure:"SUBSCRIPTION_PRICE_ID"`

	// Public base URL used to build absolute checkout redirect URLs.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	// Object storage (settlement photos).
	StorageAPIBaseURL string `mapstructure:"STORAGE_API_BASE_URL"`
	StorageAPIKey     string `mapstructure:"STORAGE_API_KEY"`
	StorageBucket     string `mapstructure:"STORAGE_BUCKET"`

	// JWKS endpoint of the hosted auth provider, used to validate bearer tokens.
	AuthJWKSURL string `mapstructure:"AUTH_JWKS_URL"`

	// Cron schedules for background sweeps.
	DraftReconcileSchedule    string `mapstructure:"DRAFT_RECONCILE_SCHEDULE"`
	SubscriptionSweepSchedule string `mapstructure:"SUBSCRIPTION_SWEEP_SCHEDULE"`
	PhotoAuditSchedule        string `mapstructure:"PHOTO_AUDIT_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("STORAGE_BUCKET", "settlement-photos")
	viper.SetDefault("DRAFT_RECONCILE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("SUBSCRIPTION_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("PHOTO_AUDIT_SCHEDULE", "30 3 * * *")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("PAYMENT_WEBHOOK_SECRET")
	_ = viper.BindEnv("SUBSCRIPTION_PRICE_ID")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("STORAGE_API_BASE_URL")
	_ = viper.BindEnv("STORAGE_API_KEY")
	_ = viper.BindEnv("STORAGE_BUCKET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("DRAFT_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("SUBSCRIPTION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PHOTO_AUDIT_SCHEDULE")

	err = viper.Unmarshal(&config)
	return
}
