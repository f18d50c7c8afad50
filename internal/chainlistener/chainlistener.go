// Package chainlistener polls the chain for outbound confirmations and
// inbound deposits, per spec.md §4.7. It is structured as a single
// cooperative ticker loop, ported from the teacher's escrow-gateway
// EventWatcher: construct with sane defaults, Run(ctx) until cancelled, one
// poll per tick, RPC failures logged and skipped rather than fatal.
package chainlistener

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Receipt is the chain-RPC receipt shape the listener needs.
type Receipt struct {
	Found       bool
	Status      uint64
	BlockNumber uint64
}

// BlockTransfer is one transaction's addressing within a scanned block.
type BlockTransfer struct {
	TxHash string
	To     string
	From   string
	Value  string
}

// ChainRPC is the collaborator interface over the chain JSON-RPC client.
type ChainRPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (Receipt, error)
	BlockTransactions(ctx context.Context, blockNumber uint64) ([]BlockTransfer, error)
}

// ConfirmingRequest is the minimal view of a TxRequest in CONFIRMING the
// listener needs to advance it.
type ConfirmingRequest struct {
	ID          uuid.UUID
	TxHash      string
	BlockNumber uint64
}

// Orchestrator is the collaborator the listener drives on each tick.
type Orchestrator interface {
	ListConfirming(ctx context.Context) ([]ConfirmingRequest, error)
	CheckConfirmation(ctx context.Context, txRequestID uuid.UUID, correlationID string) error
	RecordDeposit(ctx context.Context, walletAddress, fromAddress, txHash, amountWei string, blockNumber uint64) error
	MonitoredAddresses(ctx context.Context) (map[string]uuid.UUID, error)
	LastProcessedBlock(ctx context.Context) (uint64, error)
	AdvanceProcessedBlock(ctx context.Context, block uint64) error
}

const defaultScanWindow = 10

// Listener is the single cooperative polling task of spec.md §4.7.
type Listener struct {
	rpc          ChainRPC
	orchestrator Orchestrator
	logger       *slog.Logger
	pollInterval time.Duration
	scanWindow   uint64
	requiredConf uint64
}

// New constructs a Listener with sane defaults, mirroring
// escrow-gateway.NewEventWatcher.
func New(rpc ChainRPC, orchestrator Orchestrator, logger *slog.Logger, pollInterval time.Duration, requiredConfirmations uint64) *Listener {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if requiredConfirmations == 0 {
		requiredConfirmations = 12
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		rpc:          rpc,
		orchestrator: orchestrator,
		logger:       logger,
		pollInterval: pollInterval,
		scanWindow:   defaultScanWindow,
		requiredConf: requiredConfirmations,
	}
}

// Run starts the polling loop until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Listener) tick(ctx context.Context) {
	l.pollConfirmations(ctx)
	l.scanForDeposits(ctx)
}

func (l *Listener) pollConfirmations(ctx context.Context) {
	requests, err := l.orchestrator.ListConfirming(ctx)
	if err != nil {
		l.logger.Error("chain listener: list confirming requests failed", "error", err)
		return
	}
	head, err := l.rpc.BlockNumber(ctx)
	if err != nil {
		l.logger.Error("chain listener: fetch block number failed", "error", err)
		return
	}
	for _, req := range requests {
		receipt, err := l.rpc.GetTransactionReceipt(ctx, req.TxHash)
		if err != nil {
			l.logger.Error("chain listener: fetch receipt failed", "tx_request_id", req.ID, "error", err)
			continue
		}
		if !receipt.Found {
			continue
		}
		if err := l.orchestrator.CheckConfirmation(ctx, req.ID, "chain-listener"); err != nil {
			l.logger.Error("chain listener: check confirmation failed", "tx_request_id", req.ID, "error", err)
		}
		_ = head // head informs confirmations = head - tx_block + 1 inside the orchestrator
	}
}

func (l *Listener) scanForDeposits(ctx context.Context) {
	monitored, err := l.orchestrator.MonitoredAddresses(ctx)
	if err != nil {
		l.logger.Error("chain listener: load monitored addresses failed", "error", err)
		return
	}
	if len(monitored) == 0 {
		return
	}

	last, err := l.orchestrator.LastProcessedBlock(ctx)
	if err != nil {
		l.logger.Error("chain listener: load last processed block failed", "error", err)
		return
	}
	head, err := l.rpc.BlockNumber(ctx)
	if err != nil {
		l.logger.Error("chain listener: fetch block number failed", "error", err)
		return
	}

	end := last + l.scanWindow
	if end > head {
		end = head
	}
	if end <= last {
		return
	}

	for block := last + 1; block <= end; block++ {
		transfers, err := l.rpc.BlockTransactions(ctx, block)
		if err != nil {
			l.logger.Error("chain listener: scan block failed", "block_number", block, "error", err)
			continue
		}
		for _, t := range transfers {
			if _, watched := monitored[t.To]; !watched {
				continue
			}
			amount := hexToDecimal(t.Value)
			if err := l.orchestrator.RecordDeposit(ctx, t.To, t.From, t.TxHash, amount, block); err != nil {
				l.logger.Error("chain listener: record deposit failed", "tx_hash", t.TxHash, "error", err)
			}
		}
		if err := l.orchestrator.AdvanceProcessedBlock(ctx, block); err != nil {
			l.logger.Error("chain listener: advance processed block failed", "block_number", block, "error", err)
		}
	}
}

func hexToDecimal(hexValue string) string {
	if len(hexValue) > 2 && hexValue[0] == '0' && (hexValue[1] == 'x' || hexValue[1] == 'X') {
		hexValue = hexValue[2:]
	}
	n, ok := new(big.Int).SetString(hexValue, 16)
	if !ok {
		return "0"
	}
	return n.String()
}
