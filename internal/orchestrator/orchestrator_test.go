package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/audit"
	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ethrpc"
	"github.com/amijkko/custody-core/internal/ethtx"
	"github.com/amijkko/custody-core/internal/orchestrator"
	"github.com/amijkko/custody-core/internal/permit"
	"github.com/amijkko/custody-core/internal/screener"
)

type fakeChain struct {
	gasPrice    *big.Int
	gasLimit    uint64
	broadcasted []string
	sendErr     error
	receipt     ethrpc.Receipt
	receiptErr  error
	blockNumber uint64
}

func (f *fakeChain) GasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeChain) EstimateGas(context.Context, string, string, *big.Int, []byte) (uint64, error) {
	return f.gasLimit, nil
}

func (f *fakeChain) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	hash := fmt.Sprintf("0x%x", len(f.broadcasted))
	f.broadcasted = append(f.broadcasted, hash)
	return hash, nil
}

func (f *fakeChain) GetTransactionReceipt(context.Context, string) (ethrpc.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.blockNumber, nil }

type fakeNonces struct {
	next  uint64
	resets []string
}

func (f *fakeNonces) NextNonce(ctx context.Context, address string) (uint64, error) {
	n := f.next
	f.next++
	return n, nil
}

func (f *fakeNonces) Reset(address string) { f.resets = append(f.resets, address) }

type fakeSigner struct {
	sig ethtx.Recovery
	err error
}

func (f *fakeSigner) Sign(ctx context.Context, digest [32]byte, walletID uuid.UUID) (ethtx.Recovery, error) {
	return f.sig, f.err
}

func validSigner() *fakeSigner {
	return &fakeSigner{sig: ethtx.Recovery{R: big.NewInt(1), S: big.NewInt(2), V: 27}}
}

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

func newAllowAllEngine() *screener.Screener {
	return screener.New(screener.Config{})
}

type harness struct {
	db     *gorm.DB
	chain  *fakeChain
	nonces *fakeNonces
	signer *fakeSigner
	orc    *orchestrator.Orchestrator
}

func newHarness(t *testing.T, opts ...func(*orchestrator.Config)) *harness {
	t.Helper()
	db := setupTestDB(t)
	chain := &fakeChain{gasPrice: big.NewInt(10), gasLimit: 21000, receipt: ethrpc.Receipt{Found: true, Status: 1, BlockNumber: 100}, blockNumber: 112}
	nonces := &fakeNonces{next: 0}
	signer := validSigner()

	cfg := orchestrator.Config{
		DB:                  db,
		Audit:               audit.New(nil),
		Screener:            newAllowAllEngine(),
		Permits:             permit.NewIssuer(db, "test-permit-key", 0),
		Nonces:              nonces,
		Chain:               chain,
		LocalSigner:         signer,
		ChainID:             1,
		ConfirmationBlocks:  12,
		MaxBroadcastRetries: 3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{db: db, chain: chain, nonces: nonces, signer: signer, orc: orchestrator.New(cfg)}
}

func (h *harness) seedActiveLocalWallet(t *testing.T) domain.Wallet {
	t.Helper()
	addr := "0x00000000000000000000000000000000000001"
	wallet := domain.Wallet{ID: uuid.New(), Address: &addr, Type: domain.WalletRetail, CustodyBackend: domain.CustodyLocalKey, Status: domain.WalletActive}
	if err := h.db.Create(&wallet).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return wallet
}

func (h *harness) seedActiveMPCWallet(t *testing.T) domain.Wallet {
	t.Helper()
	addr := "0x00000000000000000000000000000000000001"
	wallet := domain.Wallet{ID: uuid.New(), Address: &addr, Type: domain.WalletRetail, CustodyBackend: domain.CustodyMPCTECDSA, Status: domain.WalletActive}
	if err := h.db.Create(&wallet).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return wallet
}

func TestCreateWithNoPolicyBlocksAtPolicyStep(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID:  wallet.ID,
		ToAddress: "0x00000000000000000000000000000000000002",
		Asset:     "ETH",
		AmountWei: "1000",
		CreatedBy: uuid.New(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusPolicyBlocked {
		t.Fatalf("expected a wallet with no group/policy to block at policy evaluation, got %s", req.Status)
	}
}

func TestCreateRejectsInactiveWallet(t *testing.T) {
	h := newHarness(t)
	addr := "0x00000000000000000000000000000000000001"
	wallet := domain.Wallet{ID: uuid.New(), Address: &addr, Type: domain.WalletRetail, CustodyBackend: domain.CustodyLocalKey, Status: domain.WalletSuspended}
	if err := h.db.Create(&wallet).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	_, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0xabc", Asset: "ETH", AmountWei: "1", CreatedBy: uuid.New(),
	})
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected Conflict for an inactive wallet, got %v", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	in := orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0xabc", Asset: "ETH", AmountWei: "1", CreatedBy: uuid.New(), IdempotencyKey: "same-key",
	}

	first, err := h.orc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := h.orc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same idempotency key to return the same request, got %s and %s", first.ID, second.ID)
	}
}

func seedGroupAllowingEverything(t *testing.T, db *gorm.DB, userID uuid.UUID, requiredApprovals int) {
	t.Helper()
	policySetID := uuid.New()
	rule := domain.PolicyRule{ID: uuid.New(), PolicySetID: policySetID, RuleID: "allow-all", Priority: 1, Decision: domain.DecisionAllow, KYTRequired: true, ApprovalRequired: requiredApprovals > 0, ApprovalCount: requiredApprovals}
	policySet := domain.PolicySet{ID: policySetID, Name: "test-policy", Version: 1, IsActive: true, SnapshotHash: "hash", Rules: []domain.PolicyRule{rule}}
	if err := db.Create(&policySet).Error; err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	group := &domain.Group{ID: uuid.New(), Name: "allow-group", IsDefault: true, PolicySetID: policySetID}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if err := db.Create(&domain.GroupMember{GroupID: group.ID, UserID: userID}).Error; err != nil {
		t.Fatalf("seed membership: %v", err)
	}
}

func TestCreateWithNoApprovalRequiredSignsAndBroadcastsSynchronously(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusConfirming {
		t.Fatalf("expected the pipeline to run through to CONFIRMING, got %s", req.Status)
	}
	if req.TxHash == nil || *req.TxHash == "" {
		t.Fatalf("expected a tx hash to be recorded")
	}
	if len(h.chain.broadcasted) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(h.chain.broadcasted))
	}
}

func TestApproveEnforcesSeparationOfDuties(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 1)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusApprovalPending {
		t.Fatalf("expected request to halt awaiting approval, got %s", req.Status)
	}

	_, _, err = h.orc.Approve(context.Background(), req.ID, userID, domain.ApprovalApproved, nil, "corr-1")
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected creator's own approval to be rejected as a SoD violation, got %v", err)
	}
}

func TestApproveRejectsDoubleVote(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	approverID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 2)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := h.orc.Approve(context.Background(), req.ID, approverID, domain.ApprovalApproved, nil, "corr-1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	_, _, err = h.orc.Approve(context.Background(), req.ID, approverID, domain.ApprovalApproved, nil, "corr-2")
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected double vote to be rejected as a conflict, got %v", err)
	}
}

func TestApproveReachingThresholdSignsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	approverID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 1)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, _, err := h.orc.Approve(context.Background(), req.ID, approverID, domain.ApprovalApproved, nil, "corr-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if final.Status != domain.StatusConfirming {
		t.Fatalf("expected approval to drive the pipeline through to CONFIRMING, got %s", final.Status)
	}
}

func TestApproveRejectionHaltsThePipeline(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	approverID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 1)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, _, err := h.orc.Approve(context.Background(), req.ID, approverID, domain.ApprovalRejected, nil, "corr-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if final.Status != domain.StatusRejected {
		t.Fatalf("expected rejection to move the request to REJECTED, got %s", final.Status)
	}
}

func TestCheckConfirmationWaitsForRequiredConfirmations(t *testing.T) {
	h := newHarness(t, func(c *orchestrator.Config) {
		c.ConfirmationBlocks = 12
	})
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)
	h.chain.blockNumber = 101 // only 2 confirmations so far, below the 12 required

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.orc.CheckConfirmation(context.Background(), req.ID, "corr-1"); err != nil {
		t.Fatalf("check confirmation: %v", err)
	}

	var reloaded domain.TxRequest
	if err := h.db.Where("id = ?", req.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusConfirming {
		t.Fatalf("expected request to remain CONFIRMING below the confirmation threshold, got %s", reloaded.Status)
	}
}

func TestCheckConfirmationFinalizesOnceThresholdMet(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.orc.CheckConfirmation(context.Background(), req.ID, "corr-1"); err != nil {
		t.Fatalf("check confirmation: %v", err)
	}

	var reloaded domain.TxRequest
	if err := h.db.Where("id = ?", req.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusFinalized {
		t.Fatalf("expected request to finalize once 12 confirmations are observed, got %s", reloaded.Status)
	}

	var volume domain.DailyVolume
	if err := h.db.Where("wallet_id = ?", wallet.ID).First(&volume).Error; err != nil {
		t.Fatalf("expected finalize to record daily volume: %v", err)
	}
	if volume.TotalAmount != "1000" {
		t.Fatalf("expected daily volume of 1000, got %s", volume.TotalAmount)
	}
}

func TestCheckConfirmationFailsOnRevertedReceipt(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)
	h.chain.receipt = ethrpc.Receipt{Found: true, Status: 0, BlockNumber: 100}

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.orc.CheckConfirmation(context.Background(), req.ID, "corr-1"); err != nil {
		t.Fatalf("check confirmation: %v", err)
	}

	var reloaded domain.TxRequest
	if err := h.db.Where("id = ?", req.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusFailedBroadcast {
		t.Fatalf("expected a reverted receipt to move the request to FAILED_BROADCAST, got %s", reloaded.Status)
	}
}

func TestCreateReturnsThePermanentErrorWhenBroadcastFailsOutright(t *testing.T) {
	h := newHarness(t)
	h.chain.sendErr = errs.New(errs.PermanentRemote, "test.revert", "simulated permanent failure")
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	_, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if errs.KindOf(err) != errs.PermanentRemote {
		t.Fatalf("expected a permanent broadcast failure to surface from Create, got %v", err)
	}
}

func TestRetryBroadcastResubmitsAfterFailure(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	signedTx := "deadbeef"
	req := domain.TxRequest{
		ID: uuid.New(), WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002",
		Asset: "ETH", AmountWei: "1000", CreatedBy: uuid.New(),
		Status: domain.StatusFailedBroadcast, SignedTx: &signedTx,
	}
	if err := h.db.Create(&req).Error; err != nil {
		t.Fatalf("seed failed request: %v", err)
	}

	if err := h.orc.RetryBroadcast(context.Background(), req.ID, "corr-retry"); err != nil {
		t.Fatalf("retry broadcast: %v", err)
	}

	var reloaded domain.TxRequest
	if err := h.db.Where("id = ?", req.ID).First(&reloaded).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusConfirming {
		t.Fatalf("expected retry to succeed and reach CONFIRMING, got %s", reloaded.Status)
	}
}

func TestResolveKYTReviewCaseResumesPipeline(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	reviewed := "0x00000000000000000000000000000000000099"
	h.orc = orchestrator.New(orchestrator.Config{
		DB:                  h.db,
		Audit:               audit.New(nil),
		Screener:            screener.New(screener.Config{LocalGraylist: []string{reviewed}}),
		Permits:             permit.NewIssuer(h.db, "test-permit-key", 0),
		Nonces:              h.nonces,
		Chain:               h.chain,
		LocalSigner:         h.signer,
		ChainID:             1,
		ConfirmationBlocks:  12,
		MaxBroadcastRetries: 3,
	})

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: reviewed, Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusKYTReview {
		t.Fatalf("expected a graylisted recipient to open a KYT review case, got %s", req.Status)
	}
	if req.KYTCaseID == nil {
		t.Fatalf("expected a KYT case to be linked to the request")
	}

	final, err := h.orc.ResolveKYT(context.Background(), *req.KYTCaseID, uuid.New(), domain.KYTCaseResolvedAllow, nil, "corr-resolve")
	if err != nil {
		t.Fatalf("resolve kyt: %v", err)
	}
	if final.Status != domain.StatusConfirming {
		t.Fatalf("expected resolving the case to resume the pipeline through to CONFIRMING, got %s", final.Status)
	}
}

func TestResolveKYTBlockCaseBlocksTheRequest(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	reviewed := "0x00000000000000000000000000000000000099"
	h.orc = orchestrator.New(orchestrator.Config{
		DB:                  h.db,
		Audit:               audit.New(nil),
		Screener:            screener.New(screener.Config{LocalGraylist: []string{reviewed}}),
		Permits:             permit.NewIssuer(h.db, "test-permit-key", 0),
		Nonces:              h.nonces,
		Chain:               h.chain,
		LocalSigner:         h.signer,
		ChainID:             1,
		ConfirmationBlocks:  12,
		MaxBroadcastRetries: 3,
	})

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: reviewed, Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, err := h.orc.ResolveKYT(context.Background(), *req.KYTCaseID, uuid.New(), domain.KYTCaseResolvedBlock, nil, "corr-resolve")
	if err != nil {
		t.Fatalf("resolve kyt: %v", err)
	}
	if final.Status != domain.StatusKYTBlocked {
		t.Fatalf("expected blocking the case to move the request to KYT_BLOCKED, got %s", final.Status)
	}
}

func TestRecordDepositIsIdempotentOnTxHash(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)

	if err := h.orc.RecordDeposit(context.Background(), *wallet.Address, "0xsender", "0xtxhash", "500", 100); err != nil {
		t.Fatalf("first record deposit: %v", err)
	}
	if err := h.orc.RecordDeposit(context.Background(), *wallet.Address, "0xsender", "0xtxhash", "500", 100); err != nil {
		t.Fatalf("second record deposit: %v", err)
	}

	var count int64
	h.db.Model(&domain.Deposit{}).Where("tx_hash = ?", "0xtxhash").Count(&count)
	if count != 1 {
		t.Fatalf("expected RecordDeposit to be idempotent on tx_hash, got %d rows", count)
	}
}

func TestMPCFinalizeRejectsRequestNotAwaitingSignature(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveLocalWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// req is already CONFIRMING (local-key fast path), not SIGN_PENDING.
	err = h.orc.MPCFinalize(context.Background(), req.ID, ethtx.Recovery{R: big.NewInt(1), S: big.NewInt(2), V: 27}, "corr-1")
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected MPCFinalize to reject a request that isn't awaiting a signature, got %v", err)
	}
}

// TestMPCFinalizeEmitsSignPermitRejectedOnTxHashMismatch exercises scenario
// S4 of spec.md §7: a permit bound to a digest that no longer matches the
// one MPCFinalize recomputes (the stored tx parameters were tampered with
// after the permit was issued) is rejected, and a SIGN_PERMIT_REJECTED audit
// event records the reason.
func TestMPCFinalizeEmitsSignPermitRejectedOnTxHashMismatch(t *testing.T) {
	h := newHarness(t)
	wallet := h.seedActiveMPCWallet(t)
	userID := uuid.New()
	seedGroupAllowingEverything(t, h.db, userID, 0)

	deposit := domain.Deposit{ID: uuid.New(), WalletID: wallet.ID, TxHash: "0xdeposit", Asset: "ETH", AmountWei: "1000", Status: domain.DepositCredited}
	if err := h.db.Create(&deposit).Error; err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	req, err := h.orc.Create(context.Background(), orchestrator.CreateInput{
		WalletID: wallet.ID, ToAddress: "0x00000000000000000000000000000000000002", Asset: "ETH", AmountWei: "1000", CreatedBy: userID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusSignPending {
		t.Fatalf("expected an MPC wallet to halt at SIGN_PENDING, got %s", req.Status)
	}

	// Tamper with the stored gas price after the permit was issued so the
	// digest MPCFinalize recomputes no longer matches the one bound into
	// the permit.
	if err := h.db.Model(&domain.TxRequest{}).Where("id = ?", req.ID).Update("gas_price", "999999999").Error; err != nil {
		t.Fatalf("tamper gas price: %v", err)
	}

	err = h.orc.MPCFinalize(context.Background(), req.ID, ethtx.Recovery{R: big.NewInt(1), S: big.NewInt(2), V: 27}, "corr-mismatch")
	if errs.CodeOf(err) != "permit.tx_hash_mismatch" {
		t.Fatalf("expected permit.tx_hash_mismatch, got %v", err)
	}

	var events []domain.AuditEvent
	if err := h.db.Where("event_type = ?", "SIGN_PERMIT_REJECTED").Find(&events).Error; err != nil {
		t.Fatalf("load audit events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one SIGN_PERMIT_REJECTED event, got %d", len(events))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(events[0].Payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["reason"] != "tx_hash mismatch" {
		t.Fatalf("expected reason %q, got %v", "tx_hash mismatch", payload["reason"])
	}
}
