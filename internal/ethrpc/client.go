// Package ethrpc is a thin Ethereum JSON-RPC client covering exactly the
// methods spec.md §6 names, built on go-ethereum's rpc.Client.
package ethrpc

import (
	"context"
	"encoding/hex"
	"math/big"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/amijkko/custody-core/internal/errs"
)

// Client wraps a go-ethereum JSON-RPC connection.
type Client struct {
	rpc *gethrpc.Client
}

// Dial connects to an Ethereum JSON-RPC endpoint (http(s):// or ws(s)://).
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	c, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errs.Wrap(errs.TransientRemote, "ethrpc.dial", "dial chain RPC endpoint", err)
	}
	return &Client{rpc: c}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, errs.Wrap(errs.TransientRemote, "ethrpc.block_number", "eth_blockNumber", err)
	}
	n, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return 0, errs.New(errs.ProtocolViolation, "ethrpc.bad_block_number", "malformed eth_blockNumber response")
	}
	return n.Uint64(), nil
}

// GasPrice returns the network's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, errs.Wrap(errs.TransientRemote, "ethrpc.gas_price", "eth_gasPrice", err)
	}
	n, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return nil, errs.New(errs.ProtocolViolation, "ethrpc.bad_gas_price", "malformed eth_gasPrice response")
	}
	return n, nil
}

// EstimateGas estimates the gas limit for a candidate call.
func (c *Client) EstimateGas(ctx context.Context, from, to string, value *big.Int, data []byte) (uint64, error) {
	call := map[string]any{
		"from":  from,
		"to":    to,
		"value": "0x" + value.Text(16),
	}
	if len(data) > 0 {
		call["data"] = "0x" + hex.EncodeToString(data)
	}
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_estimateGas", call); err != nil {
		return 0, errs.Wrap(errs.TransientRemote, "ethrpc.estimate_gas", "eth_estimateGas", err)
	}
	n, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return 0, errs.New(errs.ProtocolViolation, "ethrpc.bad_estimate", "malformed eth_estimateGas response")
	}
	return n.Uint64(), nil
}

// PendingNonce returns the account's pending transaction count, the
// authoritative on-chain nonce source for internal/store's NonceManager.
func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_getTransactionCount", address, "pending"); err != nil {
		return 0, errs.Wrap(errs.TransientRemote, "ethrpc.pending_nonce", "eth_getTransactionCount", err)
	}
	n, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return 0, errs.New(errs.ProtocolViolation, "ethrpc.bad_nonce", "malformed eth_getTransactionCount response")
	}
	return n.Uint64(), nil
}

// SendRawTransaction broadcasts signed transaction bytes and returns the
// chain-assigned transaction hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var txHash string
	if err := c.rpc.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+hex.EncodeToString(raw)); err != nil {
		return "", errs.Wrap(errs.TransientRemote, "ethrpc.send_raw", "eth_sendRawTransaction", err)
	}
	return txHash, nil
}

// Receipt is the subset of an eth_getTransactionReceipt response the
// orchestrator and chain listener need.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	Found       bool
}

// GetTransactionReceipt fetches a transaction's receipt, if mined.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (Receipt, error) {
	var raw map[string]any
	if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", txHash); err != nil {
		return Receipt{}, errs.Wrap(errs.TransientRemote, "ethrpc.receipt", "eth_getTransactionReceipt", err)
	}
	if raw == nil {
		return Receipt{Found: false}, nil
	}
	status, _ := raw["status"].(string)
	blockNumber, _ := raw["blockNumber"].(string)
	statusN, _ := new(big.Int).SetString(trimHex(status), 16)
	blockN, _ := new(big.Int).SetString(trimHex(blockNumber), 16)
	receipt := Receipt{Found: true}
	if statusN != nil {
		receipt.Status = statusN.Uint64()
	}
	if blockN != nil {
		receipt.BlockNumber = blockN.Uint64()
	}
	return receipt, nil
}

// BlockTransfer is one transaction's addressing within a scanned block.
type BlockTransfer struct {
	TxHash string
	To     string
	From   string
	Value  string
}

// BlockTransactions lists every transaction in the given block, used by the
// chain listener's deposit scan.
func (c *Client) BlockTransactions(ctx context.Context, blockNumber uint64) ([]BlockTransfer, error) {
	var block struct {
		Transactions []struct {
			Hash  string `json:"hash"`
			To    string `json:"to"`
			From  string `json:"from"`
			Value string `json:"value"`
		} `json:"transactions"`
	}
	hexBlock := "0x" + big.NewInt(int64(blockNumber)).Text(16)
	if err := c.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", hexBlock, true); err != nil {
		return nil, errs.Wrap(errs.TransientRemote, "ethrpc.block_by_number", "eth_getBlockByNumber", err)
	}
	out := make([]BlockTransfer, 0, len(block.Transactions))
	for _, t := range block.Transactions {
		out = append(out, BlockTransfer{TxHash: t.Hash, To: t.To, From: t.From, Value: t.Value})
	}
	return out, nil
}

func trimHex(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
