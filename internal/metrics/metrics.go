package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voicekeep/internal/domain"
)

var (
	strategyStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicekeep_strategy_starts_total",
			Help: "Total number of keep-alive strategy runner starts",
		},
		[]string{"strategy"},
	)

	strategyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicekeep_strategy_failures_total",
			Help: "Total number of keep-alive strategy failures surfaced to the controller",
		},
		[]string{"strategy", "code"},
	)

	strategyRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicekeep_strategy_restarts_total",
			Help: "Total number of in-place stream restarts",
		},
		[]string{"strategy"},
	)

	resourceAcquireFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicekeep_resource_acquire_failures_total",
			Help: "Total number of wake lock or audio focus acquire failures",
		},
		[]string{"resource"},
	)

	resourceHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicekeep_resource_held",
			Help: "Whether a guarded resource is currently held (1) or not (0)",
		},
		[]string{"resource"},
	)

	controllerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicekeep_controller_state",
			Help: "Current session controller state (1 for the active state)",
		},
		[]string{"state"},
	)

	bridgeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicekeep_bridge_requests_total",
			Help: "Total number of method channel requests by method and result code",
		},
		[]string{"method", "code"},
	)

	bridgeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicekeep_bridge_clients",
			Help: "Number of connected method channel clients",
		},
	)
)

var allStates = []domain.ControllerState{
	domain.StateIdle,
	domain.StateStarting,
	domain.StateRunning,
	domain.StatePaused,
	domain.StateStopping,
}

func StrategyStarted(strategy domain.Strategy) {
	strategyStartsTotal.WithLabelValues(string(strategy)).Inc()
}

func StrategyFailed(strategy domain.Strategy, code domain.ErrorCode) {
	strategyFailuresTotal.WithLabelValues(string(strategy), string(code)).Inc()
}

func StrategyRestarted(strategy domain.Strategy) {
	strategyRestartsTotal.WithLabelValues(string(strategy)).Inc()
}

func ResourceAcquireFailed(resource domain.Resource) {
	resourceAcquireFailuresTotal.WithLabelValues(string(resource)).Inc()
}

func SetResourceHeld(resource domain.Resource, held bool) {
	value := 0.0
	if held {
		value = 1
	}
	resourceHeld.WithLabelValues(string(resource)).Set(value)
}

// SetState marks exactly one controller state as active.
func SetState(state domain.ControllerState) {
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1
		}
		controllerState.WithLabelValues(string(s)).Set(value)
	}
}

// BridgeRequest counts a handled method call. An empty code means success.
func BridgeRequest(method string, code domain.ErrorCode) {
	if code == "" {
		code = "OK"
	}
	bridgeRequestsTotal.WithLabelValues(method, string(code)).Inc()
}

func BridgeClientConnected() { bridgeClients.Inc() }

func BridgeClientDisconnected() { bridgeClients.Dec() }
