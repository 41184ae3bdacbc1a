package stack

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout ожидание финального ответа на любой запрос
const DefaultTimeout = 30 * time.Second

// DefaultAllow методы, которые принимает агент
var DefaultAllow = []string{"INVITE", "ACK", "CANCEL", "BYE", "OPTIONS", "NOTIFY", "MESSAGE", "UPDATE"}

// Config конфигурация стека
type Config struct {
	// Объявляемый host:port для Via и Contact. Пусто означает локальный
	// адрес транспорта.
	PublicAddr string

	// Исходящий прокси (P-CSCF) host:port. Если задан, все запросы идут через него.
	Proxy string

	// Строка User-Agent
	UserAgent string

	// Таймаут транзакции без явного таймаута
	Timeout time.Duration

	// Таймеры повторов для ненадежного транспорта, 0 означает значения
	// RFC 3261 (500ms и 4s)
	T1, T2 time.Duration

	// Методы для Allow
	Allow []string

	// Значение P-Access-Network-Info, пусто чтобы не добавлять
	AccessNetworkInfo string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		UserAgent: "IMS-Core/1.0",
		Timeout:   DefaultTimeout,
		Allow:     DefaultAllow,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	var errs []error
	if c.PublicAddr != "" {
		if _, _, err := net.SplitHostPort(c.PublicAddr); err != nil {
			errs = append(errs, fmt.Errorf("public addr: %w", err))
		}
	}
	if c.Proxy != "" {
		if _, _, err := net.SplitHostPort(c.Proxy); err != nil {
			errs = append(errs, fmt.Errorf("proxy: %w", err))
		}
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.T1 < 0 || c.T2 < 0 {
		errs = append(errs, errors.New("retransmission timers must not be negative"))
	}
	return errors.Join(errs...)
}
