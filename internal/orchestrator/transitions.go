package orchestrator

import (
	"fmt"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
)

// allowedTransitions is the legal-successor table of spec.md §4.1, ported
// from the teacher's otc-gateway workflow.allowedTransitions map.
var allowedTransitions = map[domain.TxStatus][]domain.TxStatus{
	domain.StatusSubmitted:         {domain.StatusPolicyEvalPending},
	domain.StatusPolicyEvalPending: {domain.StatusPolicyBlocked, domain.StatusKYTPending, domain.StatusKYTSkipped},
	domain.StatusKYTPending:        {domain.StatusKYTBlocked, domain.StatusKYTReview, domain.StatusApprovalPending, domain.StatusApprovalSkipped},
	domain.StatusKYTSkipped:        {domain.StatusApprovalPending, domain.StatusApprovalSkipped},
	domain.StatusKYTReview:         {domain.StatusKYTBlocked, domain.StatusApprovalPending, domain.StatusApprovalSkipped},
	domain.StatusApprovalPending:   {domain.StatusRejected, domain.StatusSignPending},
	domain.StatusApprovalSkipped:   {domain.StatusSignPending},
	domain.StatusSignPending:       {domain.StatusSigned, domain.StatusFailedSign},
	domain.StatusSigned:            {domain.StatusBroadcastPending},
	domain.StatusBroadcastPending:  {domain.StatusBroadcasted, domain.StatusFailedBroadcast},
	domain.StatusFailedBroadcast:   {domain.StatusBroadcastPending},
	domain.StatusBroadcasted:       {domain.StatusConfirming},
	domain.StatusConfirming:        {domain.StatusConfirmed},
	domain.StatusConfirmed:         {domain.StatusFinalized},
}

var terminalStates = map[domain.TxStatus]struct{}{
	domain.StatusPolicyBlocked: {},
	domain.StatusKYTBlocked:    {},
	domain.StatusRejected:      {},
	domain.StatusFailedSign:    {},
	domain.StatusFinalized:     {},
}

// ValidateTransition ensures next is in current's legal-successor set.
func ValidateTransition(current, next domain.TxStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return errs.New(errs.IllegalTransition, "orchestrator.no_successors",
			fmt.Sprintf("no transitions allowed from %s", current))
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return errs.New(errs.IllegalTransition, "orchestrator.illegal_transition",
		fmt.Sprintf("transition from %s to %s is not permitted", current, next))
}

// IsTerminal reports whether status has no legal successors.
func IsTerminal(status domain.TxStatus) bool {
	_, ok := terminalStates[status]
	return ok
}
