// Package metrics exposes the Prometheus collectors instrumenting the
// Transaction Security Core, following the lazily-initialised singleton
// registry pattern of the teacher's observability.Payoutd().
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once     sync.Once
	registry *Core
)

// Core bundles the collectors tracking orchestrator, policy, screener, and
// chain-listener health.
type Core struct {
	transitions       *prometheus.CounterVec
	policyDecisions   *prometheus.CounterVec
	kytVerdicts       *prometheus.CounterVec
	approvalLatency   *prometheus.HistogramVec
	signingErrors     *prometheus.CounterVec
	broadcastRetries  *prometheus.CounterVec
	confirmLatency    prometheus.Histogram
	depositsDetected  *prometheus.CounterVec
	permitsIssued     prometheus.Counter
	permitsRejected   *prometheus.CounterVec
	chainListenerLag  prometheus.Gauge
}

// Default returns the process-wide Core, registering its collectors on
// first use.
func Default() *Core {
	once.Do(func() {
		registry = &Core{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "orchestrator",
				Name:      "transitions_total",
				Help:      "Total guarded state transitions segmented by origin and destination status.",
			}, []string{"from", "to"}),
			policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Total policy evaluations segmented by decision.",
			}, []string{"decision"}),
			kytVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "screener",
				Name:      "verdicts_total",
				Help:      "Total KYT screening verdicts segmented by direction and verdict.",
			}, []string{"direction", "verdict"}),
			approvalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "gate_latency_seconds",
				Help:      "Latency from entering APPROVAL_PENDING to reaching the required approval count.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"wallet_type"}),
			signingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "signing",
				Name:      "errors_total",
				Help:      "Count of signing failures segmented by custody backend and reason.",
			}, []string{"custody_backend", "reason"}),
			broadcastRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "broadcast",
				Name:      "retries_total",
				Help:      "Count of broadcast retry attempts segmented by outcome.",
			}, []string{"outcome"}),
			confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "custody",
				Subsystem: "confirmation",
				Name:      "finalize_latency_seconds",
				Help:      "Latency from BROADCASTED to FINALIZED.",
				Buckets:   prometheus.DefBuckets,
			}),
			depositsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "deposit",
				Name:      "detected_total",
				Help:      "Count of inbound deposits detected segmented by KYT result.",
			}, []string{"kyt_result"}),
			permitsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "permit",
				Name:      "issued_total",
				Help:      "Count of signing permits issued.",
			}),
			permitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "permit",
				Name:      "rejected_total",
				Help:      "Count of signing permit validation failures segmented by reason.",
			}, []string{"reason"}),
			chainListenerLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "custody",
				Subsystem: "chainlistener",
				Name:      "scan_lag_blocks",
				Help:      "Difference between chain head and the listener's last processed block.",
			}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.policyDecisions,
			registry.kytVerdicts,
			registry.approvalLatency,
			registry.signingErrors,
			registry.broadcastRetries,
			registry.confirmLatency,
			registry.depositsDetected,
			registry.permitsIssued,
			registry.permitsRejected,
			registry.chainListenerLag,
		)
	})
	return registry
}

// RecordTransition increments the transitions counter for a from→to move.
func (c *Core) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordPolicyDecision increments the policy decision counter.
func (c *Core) RecordPolicyDecision(decision string) {
	if c == nil {
		return
	}
	c.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordKYTVerdict increments the screener verdict counter.
func (c *Core) RecordKYTVerdict(direction, verdict string) {
	if c == nil {
		return
	}
	c.kytVerdicts.WithLabelValues(direction, verdict).Inc()
}

// ObserveApprovalLatency records how long a request spent awaiting approval.
func (c *Core) ObserveApprovalLatency(walletType string, d time.Duration) {
	if c == nil {
		return
	}
	c.approvalLatency.WithLabelValues(walletType).Observe(d.Seconds())
}

// RecordSigningError increments the signing error counter.
func (c *Core) RecordSigningError(custodyBackend, reason string) {
	if c == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	c.signingErrors.WithLabelValues(custodyBackend, reason).Inc()
}

// RecordBroadcastRetry increments the broadcast retry counter.
func (c *Core) RecordBroadcastRetry(outcome string) {
	if c == nil {
		return
	}
	c.broadcastRetries.WithLabelValues(outcome).Inc()
}

// ObserveConfirmationLatency records the time from broadcast to finalization.
func (c *Core) ObserveConfirmationLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.confirmLatency.Observe(d.Seconds())
}

// RecordDepositDetected increments the deposit detection counter.
func (c *Core) RecordDepositDetected(kytResult string) {
	if c == nil {
		return
	}
	c.depositsDetected.WithLabelValues(kytResult).Inc()
}

// RecordPermitIssued increments the permits-issued counter.
func (c *Core) RecordPermitIssued() {
	if c == nil {
		return
	}
	c.permitsIssued.Inc()
}

// RecordPermitRejected increments the permit-rejection counter.
func (c *Core) RecordPermitRejected(reason string) {
	if c == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	c.permitsRejected.WithLabelValues(reason).Inc()
}

// SetChainListenerLag updates the scan-lag gauge.
func (c *Core) SetChainListenerLag(blocks float64) {
	if c == nil {
		return
	}
	c.chainListenerLag.Set(blocks)
}
