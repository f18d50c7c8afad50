package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefaultReturnsTheSameSingletonAcrossCalls(t *testing.T) {
	if Default() != Default() {
		t.Fatalf("expected Default() to return the same *Core on every call")
	}
}

func TestRecordTransitionIncrementsTheLabeledCounter(t *testing.T) {
	c := Default()
	before := testutil.ToFloat64(c.transitions.WithLabelValues("SUBMITTED", "POLICY_EVAL_PENDING"))
	c.RecordTransition("SUBMITTED", "POLICY_EVAL_PENDING")
	after := testutil.ToFloat64(c.transitions.WithLabelValues("SUBMITTED", "POLICY_EVAL_PENDING"))
	if after != before+1 {
		t.Fatalf("expected the transition counter to increment by 1, went from %v to %v", before, after)
	}
}

func TestRecordPolicyDecisionIncrementsTheLabeledCounter(t *testing.T) {
	c := Default()
	before := testutil.ToFloat64(c.policyDecisions.WithLabelValues("ALLOW"))
	c.RecordPolicyDecision("ALLOW")
	after := testutil.ToFloat64(c.policyDecisions.WithLabelValues("ALLOW"))
	if after != before+1 {
		t.Fatalf("expected the policy decision counter to increment by 1, went from %v to %v", before, after)
	}
}

func TestRecordSigningErrorDefaultsAnEmptyReasonToUnspecified(t *testing.T) {
	c := Default()
	before := testutil.ToFloat64(c.signingErrors.WithLabelValues("LOCAL_KEY", "unspecified"))
	c.RecordSigningError("LOCAL_KEY", "   ")
	after := testutil.ToFloat64(c.signingErrors.WithLabelValues("LOCAL_KEY", "unspecified"))
	if after != before+1 {
		t.Fatalf("expected a blank reason to be recorded as unspecified, went from %v to %v", before, after)
	}
}

func TestRecordPermitRejectedDefaultsAnEmptyReasonToUnspecified(t *testing.T) {
	c := Default()
	before := testutil.ToFloat64(c.permitsRejected.WithLabelValues("unspecified"))
	c.RecordPermitRejected("")
	after := testutil.ToFloat64(c.permitsRejected.WithLabelValues("unspecified"))
	if after != before+1 {
		t.Fatalf("expected a blank reason to be recorded as unspecified, went from %v to %v", before, after)
	}
}

func TestObserveApprovalLatencyRecordsIntoTheHistogram(t *testing.T) {
	c := Default()
	beforeCount := testutil.CollectAndCount(c.approvalLatency)
	c.ObserveApprovalLatency("MPC_TECDSA", 5*time.Second)
	afterCount := testutil.CollectAndCount(c.approvalLatency)
	if afterCount <= beforeCount {
		t.Fatalf("expected a new histogram series or additional observation, before=%d after=%d", beforeCount, afterCount)
	}
}

func TestSetChainListenerLagSetsTheGauge(t *testing.T) {
	c := Default()
	c.SetChainListenerLag(7)
	if got := testutil.ToFloat64(c.chainListenerLag); got != 7 {
		t.Fatalf("expected the gauge to read 7, got %v", got)
	}
}

func TestNilCoreMethodsAreNoOps(t *testing.T) {
	var c *Core
	c.RecordTransition("a", "b")
	c.RecordPolicyDecision("ALLOW")
	c.RecordKYTVerdict("OUTBOUND", "ALLOW")
	c.ObserveApprovalLatency("LOCAL_KEY", time.Second)
	c.RecordSigningError("LOCAL_KEY", "boom")
	c.RecordBroadcastRetry("success")
	c.ObserveConfirmationLatency(time.Second)
	c.RecordDepositDetected("ALLOW")
	c.RecordPermitIssued()
	c.RecordPermitRejected("boom")
	c.SetChainListenerLag(1)
}
