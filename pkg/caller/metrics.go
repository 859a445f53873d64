package caller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики контроллера вызовов
type Metrics struct {
	// placementsTotal количество вызовов Place, прошедших нормализацию
	placementsTotal prometheus.Counter

	// placementFailures отказы размещения по видам ошибок
	placementFailures *prometheus.CounterVec

	// callOutcomes итоги неуспешных вызовов по нормализованным кодам
	callOutcomes *prometheus.CounterVec

	// callsActive есть ли активный вызов (0 или 1)
	callsActive prometheus.Gauge

	// registrationsTotal количество успешных регистраций
	registrationsTotal prometheus.Counter

	// reconnectsTotal количество попыток подключения
	reconnectsTotal prometheus.Counter
}

// NewMetrics создает и регистрирует метрики контроллера.
// При reg == nil используется отдельный приватный реестр, что удобно
// в тестах с несколькими контроллерами.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		placementsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "placements_total",
			Help:      "Total number of call placements attempted",
		}),
		placementFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "placement_failures_total",
			Help:      "Total number of failed call placements by reason",
		}, []string{"reason"}),
		callOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "call_failures_total",
			Help:      "Total number of failed calls by normalized status code",
		}, []string{"code"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "calls_active",
			Help:      "Whether a call is currently active",
		}),
		registrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "registrations_total",
			Help:      "Total number of successful registrations",
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "caller",
			Name:      "reconnects_total",
			Help:      "Total number of connection attempts",
		}),
	}
}
