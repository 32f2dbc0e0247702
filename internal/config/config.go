// Package config содержит логику чтения конфигурации сервиса medledger.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса medledger.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	AppointmentsAddress  string `env:"APPOINTMENTS_ADDRESS"`
	NotificationsAddress string `env:"NOTIFICATIONS_ADDRESS"`
	MinimumWithdrawal    string `env:"MINIMUM_WITHDRAWAL"`
	AdminToken           string `env:"ADMIN_TOKEN"`
	AuthSecret           string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAppointments := cfg.AppointmentsAddress
	envNotifications := cfg.NotificationsAddress
	envMinimum := cfg.MinimumWithdrawal
	envAdminToken := cfg.AdminToken
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AppointmentsAddress, "r", "", "appointments service address (consultation ratings)")
	flag.StringVar(&cfg.NotificationsAddress, "n", "", "notifications service address")
	flag.StringVar(&cfg.MinimumWithdrawal, "m", "10", "minimum withdrawal amount")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API token")
	flag.StringVar(&cfg.AuthSecret, "s", "medledger-secret", "doctor auth cookie secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAppointments != "" {
		cfg.AppointmentsAddress = envAppointments
	}
	if envNotifications != "" {
		cfg.NotificationsAddress = envNotifications
	}
	if envMinimum != "" {
		cfg.MinimumWithdrawal = envMinimum
	}
	if envAdminToken != "" {
		cfg.AdminToken = envAdminToken
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if _, err := decimal.NewFromString(cfg.MinimumWithdrawal); err != nil {
		return nil, fmt.Errorf("parse minimum withdrawal %q: %w", cfg.MinimumWithdrawal, err)
	}

	return cfg, nil
}

// MinimumWithdrawalAmount возвращает минимальную сумму вывода как decimal.
func (c *Config) MinimumWithdrawalAmount() decimal.Decimal {
	d, err := decimal.NewFromString(c.MinimumWithdrawal)
	if err != nil {
		return decimal.NewFromInt(10)
	}
	return d
}
