package session

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	logouts   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsession_logins_total",
			Help: "Login and registration attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsession_refreshes_total",
			Help: "Refresh network calls by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsession_logouts_total",
			Help: "Ended sessions by reason.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}

	m.logins = register(reg, m.logins)
	m.refreshes = register(reg, m.refreshes)
	m.logouts = register(reg, m.logouts)
	for _, c := range []*prometheus.CounterVec{m.logins, m.refreshes, m.logouts} {
		if c == nil {
			return nil, errors.New("[newMetrics] failed to register session metrics")
		}
	}
	return m, nil
}

// register returns the collector already registered under the same name, so several
// coordinators can share one registry.
func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	return nil
}
