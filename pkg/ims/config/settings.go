// Package config содержит постоянные настройки IMS клиента: идентичность
// пользователя, домен, таймеры регистрации и подписок.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Режимы аутентификации при регистрации
const (
	AuthDigest = "digest"
	AuthGIBA   = "giba"
)

// Settings настройки клиента
type Settings struct {
	// Публичная идентичность: user часть SIP URI (или номер в формате tel)
	Username string `yaml:"username"`
	// Пароль HTTP Digest
	Password string `yaml:"password"`
	// Приватная идентичность для Authorization, пусто означает username@home_domain
	PrivateID string `yaml:"private_id"`
	// Домашний домен оператора
	HomeDomain  string `yaml:"home_domain"`
	DisplayName string `yaml:"display_name"`

	// P-CSCF host:port, пусто означает DNS discovery
	Proxy      string `yaml:"proxy"`
	ListenAddr string `yaml:"listen_addr"`
	PublicAddr string `yaml:"public_addr"`
	Transport  string `yaml:"transport"`
	AuthMode   string `yaml:"auth_mode"`

	RegisterExpire     time.Duration `yaml:"register_expire"`
	SubscribeExpire    time.Duration `yaml:"subscribe_expire"`
	RingingPeriod      time.Duration `yaml:"ringing_period"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	// Доля срока действия, после которой выполняется обновление
	RefreshRatio float64 `yaml:"refresh_ratio"`

	UserAgent         string `yaml:"user_agent"`
	AccessNetworkInfo string `yaml:"access_network_info"`
	DNSServer         string `yaml:"dns_server"`
	MetricsAddr       string `yaml:"metrics_addr"`
	LogFormat         string `yaml:"log_format"`
	LogLevel          string `yaml:"log_level"`
}

// Default возвращает настройки по умолчанию
func Default() Settings {
	return Settings{
		ListenAddr:         "0.0.0.0:5060",
		Transport:          "udp",
		AuthMode:           AuthDigest,
		RegisterExpire:     3600 * time.Second,
		SubscribeExpire:    3600 * time.Second,
		RingingPeriod:      30 * time.Second,
		TransactionTimeout: 30 * time.Second,
		RefreshRatio:       2.0 / 3.0,
		UserAgent:          "IMS-Core/1.0",
		LogFormat:          "console",
		LogLevel:           "info",
	}
}

// Load читает YAML файл поверх значений по умолчанию
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, s.Validate()
}

// Validate проверяет обязательные поля и таймеры
func (s Settings) Validate() error {
	var errs []error
	if s.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if s.HomeDomain == "" {
		errs = append(errs, errors.New("home_domain is required"))
	}
	switch s.AuthMode {
	case AuthDigest:
		if s.Password == "" {
			errs = append(errs, errors.New("password is required for digest authentication"))
		}
	case AuthGIBA:
	default:
		errs = append(errs, fmt.Errorf("unknown auth_mode %q", s.AuthMode))
	}
	switch strings.ToLower(s.Transport) {
	case "udp", "tcp", "tls":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", s.Transport))
	}
	for name, d := range map[string]time.Duration{
		"register_expire":     s.RegisterExpire,
		"subscribe_expire":    s.SubscribeExpire,
		"ringing_period":      s.RingingPeriod,
		"transaction_timeout": s.TransactionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if s.RefreshRatio <= 0 || s.RefreshRatio >= 1 {
		errs = append(errs, fmt.Errorf("refresh_ratio %v must be in (0, 1)", s.RefreshRatio))
	}
	return errors.Join(errs...)
}

// PublicURI возвращает публичную идентичность пользователя
func (s Settings) PublicURI() string {
	if strings.HasPrefix(s.Username, "+") {
		return "tel:" + s.Username
	}
	return "sip:" + s.Username + "@" + s.HomeDomain
}

// SIPURI возвращает SIP форму идентичности, используемую в REGISTER
func (s Settings) SIPURI() string {
	return "sip:" + s.Username + "@" + s.HomeDomain
}

// Registrar возвращает Request-URI для REGISTER
func (s Settings) Registrar() string {
	return "sip:" + s.HomeDomain
}

// AuthUsername возвращает приватную идентичность
func (s Settings) AuthUsername() string {
	if s.PrivateID != "" {
		return s.PrivateID
	}
	return s.Username + "@" + s.HomeDomain
}

// RegisterExpireSeconds срок регистрации в секундах
func (s Settings) RegisterExpireSeconds() int {
	return int(s.RegisterExpire / time.Second)
}

// SubscribeExpireSeconds срок подписки в секундах
func (s Settings) SubscribeExpireSeconds() int {
	return int(s.SubscribeExpire / time.Second)
}
