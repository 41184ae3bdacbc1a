// Package log строит slog логгеры клиента: консольный, отладочный и
// пустой для тестов.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// Форматы вывода
const (
	FormatConsole = "console"
	FormatDev     = "dev"
	FormatNoop    = "noop"
)

// formatter сворачивает SIP сообщения и адреса в короткие группы, чтобы
// в лог не попадали тела и длинные заголовки
var formatter = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(addr net.Addr) slog.Value {
		return slog.GroupValue(
			slog.String("network", addr.Network()),
			slog.String("addr", addr.String()),
		)
	}),
	slogformatter.FormatByType(func(req *message.Request) slog.Value {
		return slog.GroupValue(
			slog.String("method", req.Method),
			slog.String("uri", req.RequestURI),
			slog.String("call_id", req.CallID()),
			slog.String("cseq", req.HeaderValue(message.HeaderCSeq)),
		)
	}),
	slogformatter.FormatByType(func(res *message.Response) slog.Value {
		return slog.GroupValue(
			slog.Int("status", res.StatusCode),
			slog.String("reason", res.Reason),
			slog.String("call_id", res.CallID()),
			slog.String("cseq", res.HeaderValue(message.HeaderCSeq)),
		)
	}),
)

// Console логгер для терминала
func Console(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(formatter(
		console.NewHandler(w, &console.HandlerOptions{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

// Dev подробный логгер разработчика с источником записи
func Dev(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(formatter(
		devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop логгер без вывода
var Noop = slog.New(noopHandler{})

// ParseLevel разбирает debug, info, warn или error
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// New выбирает логгер по имени формата
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case FormatConsole, "":
		return Console(w, lvl), nil
	case FormatDev:
		return Dev(w, lvl), nil
	case FormatNoop:
		return Noop, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
