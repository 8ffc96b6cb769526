package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	WSConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fleet_ws_connects_total",
			Help: "WebSocket connection attempts by result",
		},
		[]string{"result"},
	)

	HTTPFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fleet_http_fallbacks_total",
			Help: "Operations that fell back from WebSocket to HTTP",
		},
		[]string{"operation"},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fleet_heartbeats_total",
			Help: "Heartbeats sent by transport and result",
		},
		[]string{"transport", "result"},
	)

	// Command metrics
	CommandsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fleet_commands_processed_total",
			Help: "Commands processed by command type and outcome",
		},
		[]string{"command_type", "outcome"},
	)

	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_fleet_command_duration_seconds",
			Help:    "Command execution duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"command_type"},
	)

	ProxmoxLoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fleet_proxmox_logins_total",
			Help: "Proxmox ticket requests by result",
		},
		[]string{"result"},
	)

	AgentStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_fleet_agent_status",
			Help: "Current agent status (1 for the active status)",
		},
		[]string{"status"},
	)
)

var agentStatuses = []string{"idle", "connecting", "online", "error", "revoked"}

// RecordWSConnect records a WebSocket connect attempt.
func RecordWSConnect(success bool) {
	if success {
		WSConnectsTotal.WithLabelValues("success").Inc()
		return
	}
	WSConnectsTotal.WithLabelValues("failure").Inc()
}

// RecordHTTPFallback records an operation that fell back to HTTP.
func RecordHTTPFallback(operation string) {
	HTTPFallbacksTotal.WithLabelValues(operation).Inc()
}

// RecordHeartbeat records a heartbeat attempt.
func RecordHeartbeat(transport string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	HeartbeatsTotal.WithLabelValues(transport, result).Inc()
}

// RecordCommand records a processed command.
func RecordCommand(commandType, outcome string, seconds float64) {
	CommandsProcessedTotal.WithLabelValues(commandType, outcome).Inc()
	if seconds > 0 {
		CommandDurationSeconds.WithLabelValues(commandType).Observe(seconds)
	}
}

// RecordProxmoxLogin records a Proxmox ticket request.
func RecordProxmoxLogin(err error) {
	if err != nil {
		ProxmoxLoginsTotal.WithLabelValues("failure").Inc()
		return
	}
	ProxmoxLoginsTotal.WithLabelValues("success").Inc()
}

// SetAgentStatus marks status as the single active status.
func SetAgentStatus(status string) {
	for _, s := range agentStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		AgentStatus.WithLabelValues(s).Set(value)
	}
}

// HealthHandler serves liveness, readiness and Prometheus metrics.
func HealthHandler(ready *atomic.Bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
