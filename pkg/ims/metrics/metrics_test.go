package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_core/pkg/ims/core"
	"github.com/arzzra/ims_core/pkg/ims/registration"
	"github.com/arzzra/ims_core/pkg/ims/subscribe"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
)

var (
	_ core.Observer        = (*Collector)(nil)
	_ transaction.Observer = (*Collector)(nil)
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("неожиданный тип метрики %s", m.Desc())
	return 0
}

func TestRegistrationMetrics(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RegistrationAttempt(registration.ResultChallenged)
	c.RegistrationAttempt(registration.ResultSuccess)
	c.RegistrationAttempt(registration.ResultFailure)
	c.RegistrationStateChanged(registration.StateRegistered)

	assert.Equal(t, 1.0, value(t, c.authChallenges))
	assert.Equal(t, 1.0, value(t, c.registrationAttempts.WithLabelValues(registration.ResultSuccess)))
	assert.Equal(t, 1.0, value(t, c.registrationAttempts.WithLabelValues(registration.ResultFailure)))
	assert.Equal(t, 2.0, value(t, c.registrationState))

	c.RegistrationStateChanged("unknown")
	assert.Equal(t, 2.0, value(t, c.registrationState))
}

func TestSessionMetrics(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SessionOpened("chat")
	c.SessionOpened("chat")
	c.SessionClosed("chat", "BY_USER")

	assert.Equal(t, 1.0, value(t, c.sessionsActive.WithLabelValues("chat")))
	assert.Equal(t, 1.0, value(t, c.sessions.WithLabelValues("chat", "BY_USER")))
}

func TestGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.TransactionFinished("REGISTER", transaction.ResultCompleted, 120*time.Millisecond)
	c.NotifyReceived("presence", subscribe.NotifyAccepted)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	notify := byName["ims_notify_total"]
	require.NotNil(t, notify)
	require.Len(t, notify.GetMetric(), 1)
	assert.Equal(t, 1.0, notify.GetMetric()[0].GetCounter().GetValue())

	duration := byName["ims_transaction_duration_seconds"]
	require.NotNil(t, duration)
	h := duration.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	assert.InDelta(t, 0.12, h.GetSampleSum(), 1e-9)

	assert.Contains(t, byName, "ims_transactions_total")
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
