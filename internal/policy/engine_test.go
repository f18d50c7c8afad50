package policy_test

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/policy"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := domain.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedGroupAndPolicy(t *testing.T, db *gorm.DB, userID uuid.UUID, rules []domain.PolicyRule) *domain.Group {
	t.Helper()
	policySet := domain.PolicySet{ID: uuid.New(), Name: "default", Version: 1, IsActive: true, SnapshotHash: "abc123", Rules: rules}
	if err := db.Create(&policySet).Error; err != nil {
		t.Fatalf("create policy set: %v", err)
	}
	group := &domain.Group{ID: uuid.New(), Name: "default-group", IsDefault: true, PolicySetID: policySet.ID}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := db.Create(&domain.GroupMember{GroupID: group.ID, UserID: userID}).Error; err != nil {
		t.Fatalf("create group member: %v", err)
	}
	return group
}

func TestEvaluateBlocksWhenUserHasNoGroup(t *testing.T) {
	db := setupTestDB(t)
	engine := policy.New(db)

	result, err := engine.Evaluate(policy.Input{UserID: uuid.New(), ToAddress: "0xdead", AmountWei: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != policy.ResultBlock {
		t.Fatalf("expected BLOCK when user has no group, got %s", result.Decision)
	}
}

func TestEvaluateMatchesHighestPriorityRule(t *testing.T) {
	db := setupTestDB(t)
	userID := uuid.New()
	rules := []domain.PolicyRule{
		{ID: uuid.New(), RuleID: "small-allow", Priority: 1, Decision: domain.DecisionAllow,
			Conditions: `{"kind":"AMOUNT_LTE","amount":"1000"}`},
		{ID: uuid.New(), RuleID: "catch-all-block", Priority: 2, Decision: domain.DecisionBlock},
	}
	seedGroupAndPolicy(t, db, userID, rules)

	engine := policy.New(db)
	result, err := engine.Evaluate(policy.Input{UserID: userID, ToAddress: "0xabc", AmountWei: "500"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != policy.ResultAllow {
		t.Fatalf("expected ALLOW for amount under threshold, got %s", result.Decision)
	}
	if len(result.MatchedRules) != 1 || result.MatchedRules[0] != "small-allow" {
		t.Fatalf("expected small-allow to match, got %v", result.MatchedRules)
	}
}

func TestEvaluateFallsThroughToCatchAllRule(t *testing.T) {
	db := setupTestDB(t)
	userID := uuid.New()
	rules := []domain.PolicyRule{
		{ID: uuid.New(), RuleID: "small-allow", Priority: 1, Decision: domain.DecisionAllow,
			Conditions: `{"kind":"AMOUNT_LTE","amount":"1000"}`},
		{ID: uuid.New(), RuleID: "catch-all-block", Priority: 2, Decision: domain.DecisionBlock},
	}
	seedGroupAndPolicy(t, db, userID, rules)

	engine := policy.New(db)
	result, err := engine.Evaluate(policy.Input{UserID: userID, ToAddress: "0xabc", AmountWei: "5000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != policy.ResultBlock {
		t.Fatalf("expected BLOCK from catch-all rule, got %s", result.Decision)
	}
	if result.MatchedRules[0] != "catch-all-block" {
		t.Fatalf("expected catch-all-block to match, got %v", result.MatchedRules)
	}
}

func TestEvaluateDefaultDenylistBranch(t *testing.T) {
	db := setupTestDB(t)
	userID := uuid.New()
	group := seedGroupAndPolicy(t, db, userID, nil)
	if err := db.Create(&domain.AddressBookEntry{ID: uuid.New(), GroupID: group.ID, Address: "0xbad", Kind: domain.AddressDeny}).Error; err != nil {
		t.Fatalf("seed deny entry: %v", err)
	}

	engine := policy.New(db)
	result, err := engine.Evaluate(policy.Input{UserID: userID, ToAddress: "0xbad", AmountWei: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != policy.ResultBlock {
		t.Fatalf("expected BLOCK for denylisted address with no matching rule, got %s", result.Decision)
	}
	if result.AddressStatus != policy.AddressDenylist {
		t.Fatalf("expected address status denylist, got %s", result.AddressStatus)
	}
}

func TestEvaluateDefaultAllowlistBranchRequiresApproval(t *testing.T) {
	db := setupTestDB(t)
	userID := uuid.New()
	group := seedGroupAndPolicy(t, db, userID, nil)
	label := "treasury partner"
	if err := db.Create(&domain.AddressBookEntry{ID: uuid.New(), GroupID: group.ID, Address: "0xgood", Kind: domain.AddressAllow, Label: &label}).Error; err != nil {
		t.Fatalf("seed allow entry: %v", err)
	}

	engine := policy.New(db)
	result, err := engine.Evaluate(policy.Input{UserID: userID, ToAddress: "0xgood", AmountWei: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != policy.ResultAllow {
		t.Fatalf("expected ALLOW for allowlisted address, got %s", result.Decision)
	}
	if !result.ApprovalRequired || result.ApprovalCount != 1 {
		t.Fatalf("expected default-allow branch to require 1 approval, got required=%v count=%d",
			result.ApprovalRequired, result.ApprovalCount)
	}
	if result.AddressLabel != label {
		t.Fatalf("expected address label %q, got %q", label, result.AddressLabel)
	}
}
