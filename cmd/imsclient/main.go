// Команда imsclient регистрирует пользователя в IMS, подписывается на
// присутствие и принимает чат сессии до получения SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/ims_core/internal/log"
	"github.com/arzzra/ims_core/pkg/ims/config"
	"github.com/arzzra/ims_core/pkg/ims/core"
	"github.com/arzzra/ims_core/pkg/ims/metrics"
	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/resolver"
	"github.com/arzzra/ims_core/pkg/sip/stack"
	"github.com/arzzra/ims_core/pkg/sip/transport"
)

const stopTimeout = 10 * time.Second

type flags struct {
	config    string
	listen    string
	proxy     string
	logFormat string
	logLevel  string
	metrics   string
	watch     string
	accept    bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML config file")
	flag.StringVar(&f.listen, "listen", "", "Listen address, overrides listen_addr")
	flag.StringVar(&f.proxy, "proxy", "", "P-CSCF host:port, empty means DNS discovery")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format: console, dev, noop")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&f.metrics, "metrics", "", "Prometheus listen address, empty disables")
	flag.StringVar(&f.watch, "watch", "", "Comma separated contacts for anonymous presence fetch")
	flag.BoolVar(&f.accept, "accept", false, "Accept incoming chat sessions")
	flag.Parse()

	settings, err := loadSettings(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}

	logger, err := log.New(os.Stderr, settings.LogFormat, settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка логгера: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, splitContacts(f.watch), f.accept, logger); err != nil {
		logger.Error("client stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadSettings читает файл конфигурации и применяет флаги поверх него
func loadSettings(f flags) (config.Settings, error) {
	settings := config.Default()
	if f.config != "" {
		var err error
		if settings, err = config.Load(f.config); err != nil {
			return settings, err
		}
	}
	if f.listen != "" {
		settings.ListenAddr = f.listen
	}
	if f.proxy != "" {
		settings.Proxy = f.proxy
	}
	if f.logFormat != "" {
		settings.LogFormat = f.logFormat
	}
	if f.logLevel != "" {
		settings.LogLevel = f.logLevel
	}
	if f.metrics != "" {
		settings.MetricsAddr = f.metrics
	}
	return settings, settings.Validate()
}

func splitContacts(s string) []string {
	var contacts []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			contacts = append(contacts, c)
		}
	}
	return contacts
}

// discoverProxy возвращает первый адрес P-CSCF домашнего домена
func discoverProxy(ctx context.Context, settings config.Settings) (string, error) {
	r := resolver.Resolver{NameServer: settings.DNSServer}
	candidates, err := r.LookupProxy(ctx, settings.HomeDomain, strings.ToLower(settings.Transport))
	if err != nil {
		return "", fmt.Errorf("discover P-CSCF for %s: %w", settings.HomeDomain, err)
	}
	return candidates[0], nil
}

func run(ctx context.Context, settings config.Settings, watch []string, accept bool, logger *slog.Logger) error {
	if !strings.EqualFold(settings.Transport, "udp") {
		return fmt.Errorf("transport %s is not supported by this client", settings.Transport)
	}
	if settings.Proxy == "" {
		proxy, err := discoverProxy(ctx, settings)
		if err != nil {
			return err
		}
		logger.Info("P-CSCF discovered", slog.String("proxy", proxy))
		settings.Proxy = proxy
	}

	t, err := transport.ListenUDP(settings.ListenAddr, transport.WithLogger(logger))
	if err != nil {
		return err
	}

	collector := metrics.Default()
	stk, err := stack.New(t, stack.Config{
		PublicAddr:        settings.PublicAddr,
		Proxy:             settings.Proxy,
		UserAgent:         settings.UserAgent,
		Timeout:           settings.TransactionTimeout,
		AccessNetworkInfo: settings.AccessNetworkInfo,
	}, stack.WithLogger(logger), stack.WithTransactionObserver(collector))
	if err != nil {
		_ = t.Close()
		return err
	}
	defer stk.Close()

	listener := &consoleListener{ctx: ctx, logger: logger, accept: accept}
	c, err := core.New(settings, stk,
		core.WithLogger(logger),
		core.WithObserver(collector),
		core.WithListener(listener),
		core.WithService(chatService,
			service.WithFeatureTags(chatFeatureTag),
			service.WithContentTypes(chatContentTypes...),
			service.WithCapability(chatCapability{logger: logger}),
			service.WithSessionListener(listener),
		),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if settings.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              settings.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("metrics enabled", slog.String("addr", settings.MetricsAddr))
	}

	g.Go(func() error {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			c.Stop(stopCtx)
		}()
		if err := c.Start(gctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		for _, contact := range watch {
			if err := c.AnonymousFetch(gctx, contact); err != nil {
				logger.Warn("anonymous fetch failed",
					slog.String("contact", contact),
					slog.Any("error", err))
			}
		}
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}
