package main

import (
	"context"

	"github.com/amijkko/custody-core/internal/chainlistener"
	"github.com/amijkko/custody-core/internal/ethrpc"
)

// chainRPCAdapter narrows *ethrpc.Client onto chainlistener.ChainRPC. The two
// packages declare independent Receipt/BlockTransfer types so the listener
// never imports the orchestrator's wider ethrpc surface; this adapter is the
// translation seam between them.
type chainRPCAdapter struct {
	client *ethrpc.Client
}

func (a chainRPCAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

func (a chainRPCAdapter) GetTransactionReceipt(ctx context.Context, txHash string) (chainlistener.Receipt, error) {
	r, err := a.client.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		return chainlistener.Receipt{}, err
	}
	return chainlistener.Receipt{Found: r.Found, Status: r.Status, BlockNumber: r.BlockNumber}, nil
}

func (a chainRPCAdapter) BlockTransactions(ctx context.Context, blockNumber uint64) ([]chainlistener.BlockTransfer, error) {
	transfers, err := a.client.BlockTransactions(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	out := make([]chainlistener.BlockTransfer, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, chainlistener.BlockTransfer{TxHash: t.TxHash, To: t.To, From: t.From, Value: t.Value})
	}
	return out, nil
}
