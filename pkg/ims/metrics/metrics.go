// Package metrics собирает Prometheus метрики IMS клиента: регистрация,
// транзакции, NOTIFY и сессии сервисов.
//
// Collector реализует Observer интерфейсы registration, transaction,
// subscribe и service, поэтому передается компонентам напрямую.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/ims_core/pkg/ims/registration"
)

const namespace = "ims"

// Числовые значения состояния регистрации для gauge
var registrationStates = map[string]float64{
	registration.StateUnregistered:  0,
	registration.StateRegistering:   1,
	registration.StateRegistered:    2,
	registration.StateUnregistering: 3,
	registration.StateRefreshing:    4,
}

// Collector метрики одного клиента
type Collector struct {
	registrationAttempts *prometheus.CounterVec
	authChallenges       prometheus.Counter
	registrationState    prometheus.Gauge
	transactions         *prometheus.CounterVec
	transactionDuration  *prometheus.HistogramVec
	notifications        *prometheus.CounterVec
	sessions             *prometheus.CounterVec
	sessionsActive       *prometheus.GaugeVec
}

// New регистрирует метрики в reg
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registrationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_attempts_total",
			Help:      "REGISTER exchanges by result",
		}, []string{"result"}),
		authChallenges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_challenges_total",
			Help:      "401/407 challenges received for REGISTER",
		}),
		registrationState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registration_state",
			Help:      "Registration state: 0 unregistered, 1 registering, 2 registered, 3 unregistering, 4 refreshing",
		}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Client transactions by method and result",
		}, []string{"method", "result"}),
		transactionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from request to final response",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"method"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_total",
			Help:      "NOTIFY requests by event package and result",
		}, []string{"event", "result"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished service sessions by outcome",
		}, []string{"service", "outcome"}),
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions in the service registry",
		}, []string{"service"}),
	}
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default возвращает Collector на prometheus.DefaultRegisterer
func Default() *Collector {
	defaultOnce.Do(func() { defaultCollector = New(prometheus.DefaultRegisterer) })
	return defaultCollector
}

// RegistrationAttempt учитывает результат обмена REGISTER
func (c *Collector) RegistrationAttempt(result string) {
	if result == registration.ResultChallenged {
		c.authChallenges.Inc()
		return
	}
	c.registrationAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) RegistrationStateChanged(state string) {
	if v, ok := registrationStates[state]; ok {
		c.registrationState.Set(v)
	}
}

// TransactionFinished учитывает завершенную клиентскую транзакцию
func (c *Collector) TransactionFinished(method, result string, d time.Duration) {
	c.transactions.WithLabelValues(method, result).Inc()
	c.transactionDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) NotifyReceived(event, result string) {
	c.notifications.WithLabelValues(event, result).Inc()
}

func (c *Collector) SessionOpened(service string) {
	c.sessionsActive.WithLabelValues(service).Inc()
}

func (c *Collector) SessionClosed(service, outcome string) {
	c.sessionsActive.WithLabelValues(service).Dec()
	c.sessions.WithLabelValues(service, outcome).Inc()
}
