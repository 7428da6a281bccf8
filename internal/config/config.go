package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SHOPCORE"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "shopcore.db"
	defaultCachePath         = "shopcore-local.db"
	defaultLogLevel          = "info"
	defaultSyncInterval      = 30 * time.Second
	defaultReconcileInterval = 60 * time.Second
	defaultCloudURL          = "http://127.0.0.1:8080"
)

// ServerConfig captures runtime configuration for the cloud service.
type ServerConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SyncSecret           string
	DeliverySecret       string
	CredentialPassphrase string
	CredentialSalt       string
	ReconcileInterval    time.Duration

	// Optional statement-poll settings; the reconciler only releases
	// expired reservations when no poll URL is configured.
	PaymentPollURL          string
	PaymentAPIToken         string
	PaymentReferencePattern string
}

// AgentConfig captures runtime configuration for the desktop sync agent.
type AgentConfig struct {
	CachePath    string
	CloudURL     string
	LogLevel     string
	SyncSecret   string
	SyncInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.cloud_url", defaultCloudURL)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
}

// LoadServer parses cloud-service configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SyncSecret:           configViper.GetString("sync.secret"),
		DeliverySecret:       configViper.GetString("delivery.secret"),
		CredentialPassphrase: configViper.GetString("credential.passphrase"),
		CredentialSalt:       configViper.GetString("credential.salt"),
		ReconcileInterval:    configViper.GetDuration("reconcile.interval"),

		PaymentPollURL:          configViper.GetString("payment.poll_url"),
		PaymentAPIToken:         configViper.GetString("payment.api_token"),
		PaymentReferencePattern: configViper.GetString("payment.reference_pattern"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadAgent parses desktop-agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		CachePath:    configViper.GetString("cache.path"),
		CloudURL:     configViper.GetString("sync.cloud_url"),
		LogLevel:     configViper.GetString("log.level"),
		SyncSecret:   configViper.GetString("sync.secret"),
		SyncInterval: configViper.GetDuration("sync.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SyncSecret) == "" {
		return fmt.Errorf("sync.secret is required")
	}
	if strings.TrimSpace(c.DeliverySecret) == "" {
		return fmt.Errorf("delivery.secret is required")
	}
	if strings.TrimSpace(c.CredentialPassphrase) == "" {
		return fmt.Errorf("credential.passphrase is required")
	}
	if strings.TrimSpace(c.CredentialSalt) == "" {
		return fmt.Errorf("credential.salt is required")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if strings.TrimSpace(c.CloudURL) == "" {
		return fmt.Errorf("sync.cloud_url is required")
	}
	if strings.TrimSpace(c.SyncSecret) == "" {
		return fmt.Errorf("sync.secret is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}
