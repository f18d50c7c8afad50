package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/audit"
	"github.com/amijkko/custody-core/internal/config"
	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/policy"
)

// Well-known IDs for the seeded default group and policy set, matching
// app/models/policy_set.py's RETAIL_GROUP_ID/RETAIL_POLICY_SET_ID so a
// fixture seeded once is recognizable across environments.
var (
	retailGroupID     = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	retailPolicySetID = uuid.MustParse("00000000-0000-0000-0000-000000000010")
)

// runSeed ports app/services/seed.py's seed_all: idempotently creates the
// default "Retail" group, its tiered policy set (RET-01/02/03), the group's
// demo address book, and assigns the policy to the group, emitting the same
// GROUP_CREATED / POLICY_SET_CREATED / POLICY_SET_ASSIGNED audit events the
// original logs. Safe to run repeatedly: every step first checks for an
// existing row by well-known ID.
func runSeed(cfgPath string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := domain.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	auditLog := audit.New(log.New(os.Stdout, "", 0))

	return db.Transaction(func(tx *gorm.DB) error {
		group, err := seedRetailGroup(tx, auditLog, logger)
		if err != nil {
			return err
		}
		policySet, err := seedRetailPolicy(tx, auditLog, logger)
		if err != nil {
			return err
		}
		if err := seedGroupPolicyAssignment(tx, auditLog, logger, group, policySet); err != nil {
			return err
		}
		return seedDemoAddresses(tx, logger, group.ID)
	})
}

func seedRetailGroup(tx *gorm.DB, auditLog *audit.Log, logger *slog.Logger) (*domain.Group, error) {
	var existing domain.Group
	err := tx.Where("id = ?", retailGroupID).First(&existing).Error
	if err == nil {
		logger.Info("retail group already exists", "group_id", existing.ID)
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("look up retail group: %w", err)
	}

	group := &domain.Group{
		ID:        retailGroupID,
		Name:      "Retail",
		IsDefault: true,
	}
	if err := tx.Create(group).Error; err != nil {
		return nil, fmt.Errorf("create retail group: %w", err)
	}
	entityType := "group"
	if _, err := auditLog.Append(context.Background(), tx, audit.Entry{
		EventType:  "GROUP_CREATED",
		ActorType:  "system",
		EntityType: &entityType,
		EntityID:   &group.ID,
		Payload: map[string]any{
			"name":       group.Name,
			"is_default": true,
			"seeded":     true,
		},
	}); err != nil {
		return nil, err
	}
	logger.Info("created retail group", "group_id", group.ID)
	return group, nil
}

func seedRetailPolicy(tx *gorm.DB, auditLog *audit.Log, logger *slog.Logger) (*domain.PolicySet, error) {
	var existing domain.PolicySet
	err := tx.Preload("Rules").Where("id = ?", retailPolicySetID).First(&existing).Error
	if err == nil {
		logger.Info("retail policy set already exists", "policy_set_id", existing.ID)
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("look up retail policy set: %w", err)
	}

	rules := []domain.PolicyRule{
		{
			ID: uuid.New(), PolicySetID: retailPolicySetID, RuleID: "RET-03", Priority: 1,
			Conditions: `{"kind":"ADDRESS_IN","address_list":"denylist"}`, Decision: domain.DecisionBlock,
			KYTRequired: false, ApprovalRequired: false,
		},
		{
			ID: uuid.New(), PolicySetID: retailPolicySetID, RuleID: "RET-01", Priority: 10,
			Conditions: `{"kind":"ALL","children":[{"kind":"AMOUNT_LTE","amount":"1000000000000000"},{"kind":"ADDRESS_IN","address_list":"allowlist"}]}`, Decision: domain.DecisionAllow,
			KYTRequired: false, ApprovalRequired: false,
		},
		{
			ID: uuid.New(), PolicySetID: retailPolicySetID, RuleID: "RET-02", Priority: 20,
			Conditions: `{"kind":"ALL","children":[{"kind":"AMOUNT_GT","amount":"1000000000000000"},{"kind":"ADDRESS_IN","address_list":"allowlist"}]}`, Decision: domain.DecisionAllow,
			KYTRequired: true, ApprovalRequired: true, ApprovalCount: 1,
		},
	}
	snapshotHash, err := policy.ComputeSnapshotHash(rules)
	if err != nil {
		return nil, fmt.Errorf("compute retail policy snapshot hash: %w", err)
	}

	policySet := &domain.PolicySet{
		ID:           retailPolicySetID,
		Name:         "Retail Policy",
		Version:      3,
		IsActive:     true,
		SnapshotHash: snapshotHash,
		Rules:        rules,
	}
	if err := tx.Create(policySet).Error; err != nil {
		return nil, fmt.Errorf("create retail policy set: %w", err)
	}
	entityType := "policy_set"
	if _, err := auditLog.Append(context.Background(), tx, audit.Entry{
		EventType:  "POLICY_SET_CREATED",
		ActorType:  "system",
		EntityType: &entityType,
		EntityID:   &policySet.ID,
		Payload: map[string]any{
			"name":    policySet.Name,
			"version": policySet.Version,
			"rules":   []string{"RET-01", "RET-02", "RET-03"},
			"seeded":  true,
		},
	}); err != nil {
		return nil, err
	}
	logger.Info("created retail policy", "policy_set_id", policySet.ID, "version", policySet.Version)
	return policySet, nil
}

func seedGroupPolicyAssignment(tx *gorm.DB, auditLog *audit.Log, logger *slog.Logger, group *domain.Group, policySet *domain.PolicySet) error {
	if group.PolicySetID == policySet.ID {
		logger.Info("retail policy already assigned to retail group")
		return nil
	}
	if err := tx.Model(&domain.Group{}).Where("id = ?", group.ID).Update("policy_set_id", policySet.ID).Error; err != nil {
		return fmt.Errorf("assign retail policy to retail group: %w", err)
	}
	entityType := "group"
	if _, err := auditLog.Append(context.Background(), tx, audit.Entry{
		EventType:  "POLICY_SET_ASSIGNED",
		ActorType:  "system",
		EntityType: &entityType,
		EntityID:   &group.ID,
		Payload:    map[string]any{"policy_set_id": policySet.ID.String(), "seeded": true},
	}); err != nil {
		return err
	}
	logger.Info("assigned retail policy to retail group")
	return nil
}

type demoAddress struct {
	address string
	label   string
}

func seedDemoAddresses(tx *gorm.DB, logger *slog.Logger, groupID uuid.UUID) error {
	allowlist := []demoAddress{
		{"0x28c6c06298d514db089934071355e5743bf21d60", "Binance Hot Wallet"},
		{"0x503828976d22510aad0201ac7ec88293211d23da", "Coinbase"},
		{"0x2910543af39aba0cd09dbb2d50200b3e800a63d2", "Kraken"},
		{"0x1111111111111111111111111111111111111111", "Test Allowlisted Address"},
	}
	denylist := []demoAddress{
		{"0x8589427373d6d84e98730d7795d8f6f8731fda16", "Tornado Cash (OFAC Sanctioned)"},
		{"0xd90e2f925da726b50c4ed8d0fb90ad053324f31b", "OFAC Sanctioned"},
		{"0x0000000000000000000000000000000000000000", "Null Address"},
	}
	if err := seedAddressBookKind(tx, groupID, allowlist, domain.AddressAllow); err != nil {
		return err
	}
	if err := seedAddressBookKind(tx, groupID, denylist, domain.AddressDeny); err != nil {
		return err
	}
	logger.Info("seeded demo address book", "allowlist", len(allowlist), "denylist", len(denylist))
	return nil
}

func seedAddressBookKind(tx *gorm.DB, groupID uuid.UUID, addresses []demoAddress, kind domain.AddressBookKind) error {
	for _, a := range addresses {
		var existing domain.AddressBookEntry
		err := tx.Where("group_id = ? AND address = ?", groupID, a.address).First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("look up address book entry %s: %w", a.address, err)
		}
		label := a.label
		entry := &domain.AddressBookEntry{ID: uuid.New(), GroupID: groupID, Address: a.address, Kind: kind, Label: &label}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("seed address book entry %s: %w", a.address, err)
		}
	}
	return nil
}
