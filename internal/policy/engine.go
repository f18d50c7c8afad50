// Package policy implements the tiered, versioned policy engine of spec.md
// §4.2: resolve a user's group, fetch its active PolicySet, classify the
// recipient address, and evaluate rules in priority order. The tagged
// Predicate AST in predicate.go replaces the source's untyped condition bags
// per spec.md §9.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ids"
)

// Decision enumerates the engine's terminal verdict.
type Decision string

const (
	ResultAllow Decision = "ALLOW"
	ResultBlock Decision = "BLOCK"
)

// AddressStatus enumerates the recipient's address-book classification.
type AddressStatus string

const (
	AddressAllowlist AddressStatus = "allowlist"
	AddressDenylist  AddressStatus = "denylist"
	AddressUnknown   AddressStatus = "unknown"
)

// EvalResult is the engine's full, explainable output, persisted verbatim
// into TxRequest.PolicyResult for audit and display.
type EvalResult struct {
	Decision           Decision      `json:"decision"`
	MatchedRules       []string      `json:"matched_rules"`
	Reasons            string        `json:"reasons"`
	KYTRequired        bool          `json:"kyt_required"`
	ApprovalRequired   bool          `json:"approval_required"`
	ApprovalCount      int           `json:"approval_count"`
	PolicyVersion      string        `json:"policy_version"`
	PolicySnapshotHash string        `json:"policy_snapshot_hash"`
	GroupID            *uuid.UUID    `json:"group_id,omitempty"`
	GroupName          string        `json:"group_name,omitempty"`
	AddressStatus      AddressStatus `json:"address_status"`
	AddressLabel       string        `json:"address_label,omitempty"`
}

// Input is the facts the engine evaluates against, per spec.md §4.2.
type Input struct {
	UserID    uuid.UUID
	ToAddress string
	AmountWei string
	Asset     string
	Wallet    domain.Wallet
}

// Engine evaluates TxRequest inputs against groups, address books, and
// policy sets loaded from the store.
type Engine struct {
	db *gorm.DB
}

// New constructs an Engine bound to db.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// Evaluate runs the full tiered-policy algorithm described in spec.md §4.2.
func (e *Engine) Evaluate(in Input) (EvalResult, error) {
	group, err := e.primaryGroup(in.UserID)
	if err != nil {
		return EvalResult{}, err
	}
	if group == nil {
		return EvalResult{
			Decision:     ResultBlock,
			MatchedRules: []string{"NO_GROUP"},
			Reasons:      "NO_GROUP: user has no group assignment",
		}, nil
	}

	var policySet domain.PolicySet
	err = e.db.Preload("Rules").
		Where("id = ? AND is_active = ?", group.PolicySetID, true).
		First(&policySet).Error
	if err != nil {
		return EvalResult{
			Decision:     ResultBlock,
			MatchedRules: []string{"NO_POLICY"},
			Reasons:      "NO_POLICY: group has no active policy set",
			GroupID:      &group.ID,
			GroupName:    group.Name,
		}, nil
	}

	status, label, err := e.classifyAddress(group.ID, in.ToAddress)
	if err != nil {
		return EvalResult{}, err
	}

	rules := append([]domain.PolicyRule(nil), policySet.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	ctx := EvalContext{AmountWei: in.AmountWei}
	switch status {
	case AddressAllowlist:
		ctx.AddressStatus = ListAllowlist
	case AddressDenylist:
		ctx.AddressStatus = ListDenylist
	}

	policyVersion := fmt.Sprintf("%s v%d", policySet.Name, policySet.Version)

	for _, rule := range rules {
		var raw map[string]any
		if rule.Conditions != "" {
			if err := json.Unmarshal([]byte(rule.Conditions), &raw); err != nil {
				return EvalResult{}, errs.Wrap(errs.ConfigurationError, "policy.bad_rule_conditions",
					fmt.Sprintf("rule %s has malformed conditions", rule.RuleID), err)
			}
		}
		predicate, err := FromUntyped(raw)
		if err != nil {
			return EvalResult{}, err
		}
		matched, err := Evaluate(predicate, ctx)
		if err != nil {
			return EvalResult{}, err
		}
		if !matched {
			continue
		}
		decision := ResultBlock
		if rule.Decision == domain.DecisionAllow {
			decision = ResultAllow
		}
		return EvalResult{
			Decision:           decision,
			MatchedRules:       []string{rule.RuleID},
			Reasons:            fmt.Sprintf("matched rule %s", rule.RuleID),
			KYTRequired:        rule.KYTRequired,
			ApprovalRequired:   rule.ApprovalRequired,
			ApprovalCount:      rule.ApprovalCount,
			PolicyVersion:      policyVersion,
			PolicySnapshotHash: policySet.SnapshotHash,
			GroupID:            &group.ID,
			GroupName:          group.Name,
			AddressStatus:      status,
			AddressLabel:       label,
		}, nil
	}

	// No rule matched: apply the default branch per spec.md §4.2.
	result := EvalResult{
		PolicyVersion:      policyVersion,
		PolicySnapshotHash: policySet.SnapshotHash,
		GroupID:            &group.ID,
		GroupName:          group.Name,
		AddressStatus:      status,
		AddressLabel:       label,
	}
	switch status {
	case AddressDenylist:
		result.Decision = ResultBlock
		result.MatchedRules = []string{"DEFAULT_DENY"}
		result.Reasons = "DEFAULT_DENY: recipient is denylisted and no rule overrode it"
	case AddressUnknown:
		result.Decision = ResultBlock
		result.MatchedRules = []string{"DEFAULT_UNKNOWN"}
		result.Reasons = "DEFAULT_UNKNOWN: recipient has no address-book classification"
	case AddressAllowlist:
		result.Decision = ResultAllow
		result.MatchedRules = []string{"DEFAULT_ALLOW"}
		result.KYTRequired = true
		result.ApprovalRequired = true
		result.ApprovalCount = 1
		result.Reasons = "DEFAULT_ALLOW: recipient is allowlisted, no rule matched"
	}
	return result, nil
}

// ComputeSnapshotHash computes the SHA-256 integrity hash a PolicySet's rule
// content binds into PolicySet.SnapshotHash, mirroring
// policy_set.py's PolicySet.compute_snapshot_hash: a canonical JSON encoding
// of each rule's decision-relevant fields, ordered by priority. Callers that
// mutate a policy set's rules (policy set administration, the default-group
// seeder) must call this and persist the result so readers can detect drift.
func ComputeSnapshotHash(rules []domain.PolicyRule) (string, error) {
	ordered := append([]domain.PolicyRule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	rulesData := make([]map[string]any, 0, len(ordered))
	for _, r := range ordered {
		var conditions map[string]any
		if r.Conditions != "" {
			if err := json.Unmarshal([]byte(r.Conditions), &conditions); err != nil {
				return "", errs.Wrap(errs.ProtocolViolation, "policy.bad_rule_conditions",
					fmt.Sprintf("rule %s has malformed conditions", r.RuleID), err)
			}
		}
		rulesData = append(rulesData, map[string]any{
			"rule_id":           r.RuleID,
			"priority":          r.Priority,
			"conditions":        conditions,
			"decision":          string(r.Decision),
			"kyt_required":      r.KYTRequired,
			"approval_required": r.ApprovalRequired,
			"approval_count":    r.ApprovalCount,
		})
	}
	canon, err := ids.Canonical(rulesData)
	if err != nil {
		return "", errs.Wrap(errs.ProtocolViolation, "policy.canonicalize_snapshot", "canonicalize policy rules for snapshot hash", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Engine) primaryGroup(userID uuid.UUID) (*domain.Group, error) {
	var memberships []domain.GroupMember
	if err := e.db.Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "policy.load_memberships", "load group memberships", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}
	groupIDs := make([]uuid.UUID, 0, len(memberships))
	for _, m := range memberships {
		groupIDs = append(groupIDs, m.GroupID)
	}
	var groups []domain.Group
	if err := e.db.Where("id IN ?", groupIDs).Find(&groups).Error; err != nil {
		return nil, errs.Wrap(errs.Conflict, "policy.load_groups", "load candidate groups", err)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	// A user's primary group is the default if they belong to it, else any of theirs.
	for i := range groups {
		if groups[i].IsDefault {
			return &groups[i], nil
		}
	}
	return &groups[0], nil
}

func (e *Engine) classifyAddress(groupID uuid.UUID, address string) (AddressStatus, string, error) {
	var entries []domain.AddressBookEntry
	if err := e.db.Where("group_id = ? AND address = ?", groupID, address).Find(&entries).Error; err != nil {
		return "", "", errs.Wrap(errs.Conflict, "policy.load_address_book", "load address book entries", err)
	}
	for _, entry := range entries {
		label := ""
		if entry.Label != nil {
			label = *entry.Label
		}
		switch entry.Kind {
		case domain.AddressAllow:
			return AddressAllowlist, label, nil
		case domain.AddressDeny:
			return AddressDenylist, label, nil
		}
	}
	return AddressUnknown, "", nil
}
