package ethrpc

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amijkko/custody-core/internal/errs"
)

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     json.Number   `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.Number     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected RPC method %q", req.Method)
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func dialFake(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := Dial(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBlockNumberParsesHexResult(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_blockNumber": `"0x70"`})
	defer server.Close()
	client := dialFake(t, server)

	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("block number: %v", err)
	}
	if n != 0x70 {
		t.Fatalf("expected 0x70 (%d), got %d", uint64(0x70), n)
	}
}

func TestGasPriceParsesHexResult(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_gasPrice": `"0x3b9aca00"`})
	defer server.Close()
	client := dialFake(t, server)

	price, err := client.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	if price.String() != "1000000000" {
		t.Fatalf("expected 1000000000, got %s", price.String())
	}
}

func TestEstimateGasParsesHexResult(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_estimateGas": `"0x5208"`})
	defer server.Close()
	client := dialFake(t, server)

	gas, err := client.EstimateGas(context.Background(), "0xabc", "0xdef", big.NewInt(1000), nil)
	if err != nil {
		t.Fatalf("estimate gas: %v", err)
	}
	if gas != 21000 {
		t.Fatalf("expected 21000, got %d", gas)
	}
}

func TestPendingNonceParsesHexResult(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_getTransactionCount": `"0x9"`})
	defer server.Close()
	client := dialFake(t, server)

	n, err := client.PendingNonce(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if n != 9 {
		t.Fatalf("expected 9, got %d", n)
	}
}

func TestSendRawTransactionReturnsTxHash(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_sendRawTransaction": `"0xfeedface"`})
	defer server.Close()
	client := dialFake(t, server)

	hash, err := client.SendRawTransaction(context.Background(), []byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("send raw transaction: %v", err)
	}
	if hash != "0xfeedface" {
		t.Fatalf("expected 0xfeedface, got %s", hash)
	}
}

func TestGetTransactionReceiptReturnsNotFoundWhenNil(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{"eth_getTransactionReceipt": `null`})
	defer server.Close()
	client := dialFake(t, server)

	receipt, err := client.GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if receipt.Found {
		t.Fatalf("expected Found=false for a null receipt")
	}
}

func TestGetTransactionReceiptParsesStatusAndBlockNumber(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{
		"eth_getTransactionReceipt": `{"status":"0x1","blockNumber":"0x64"}`,
	})
	defer server.Close()
	client := dialFake(t, server)

	receipt, err := client.GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if !receipt.Found || receipt.Status != 1 || receipt.BlockNumber != 100 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestBlockTransactionsListsTransfers(t *testing.T) {
	server := newFakeRPCServer(t, map[string]string{
		"eth_getBlockByNumber": `{"transactions":[{"hash":"0x1","to":"0x2","from":"0x3","value":"0x64"}]}`,
	})
	defer server.Close()
	client := dialFake(t, server)

	transfers, err := client.BlockTransactions(context.Background(), 100)
	if err != nil {
		t.Fatalf("block transactions: %v", err)
	}
	if len(transfers) != 1 || transfers[0].TxHash != "0x1" {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
}

func TestBlockNumberWrapsUnreachableEndpointAsTransientRemote(t *testing.T) {
	client, err := Dial(context.Background(), "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_, err = client.BlockNumber(context.Background())
	if errs.KindOf(err) != errs.TransientRemote {
		t.Fatalf("expected a TransientRemote error calling an unreachable endpoint, got %v", err)
	}
}
