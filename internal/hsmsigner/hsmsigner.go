// Package hsmsigner implements orchestrator.LocalSigner over an mTLS-secured
// HSM proxy, adapted from the teacher's otc-gateway/hsm.Client: the same
// client-certificate transport and request/response envelope, restyled
// around a 65-byte r||s||v signature keyed by wallet ID rather than a DER
// signature keyed by a fixed MINTER_NHB label.
package hsmsigner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amijkko/custody-core/internal/errs"
	"github.com/amijkko/custody-core/internal/ethtx"
)

// Config captures the parameters required to establish an mTLS session with
// the HSM proxy fronting LOCAL_KEY wallets' private keys.
type Config struct {
	BaseURL    string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
	SignPath   string
}

// Client implements orchestrator.LocalSigner over the HSM proxy's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	signPath   string
}

// New builds an HSM client using the supplied mTLS configuration.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("hsmsigner: base url required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	signPath := strings.TrimSpace(cfg.SignPath)
	if signPath == "" {
		signPath = "/sign"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signPath: signPath,
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("hsmsigner: load client certificate: %w", err)
	}
	pemBytes, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("hsmsigner: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("hsmsigner: failed to append ca certificate %s", cfg.CACertPath)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

type signRequest struct {
	WalletID string `json:"wallet_id"`
	Digest   string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Sign requests the HSM proxy to sign digest with the key held for walletID.
// The proxy is expected to return a 65-byte r||s||v signature over the
// digest, matching the layout orchestrator.completeLocalSigning reconstructs
// into an ethtx.Recovery.
func (c *Client) Sign(ctx context.Context, digest [32]byte, walletID uuid.UUID) (ethtx.Recovery, error) {
	payload := signRequest{WalletID: walletID.String(), Digest: hex.EncodeToString(digest[:])}
	buf, err := json.Marshal(payload)
	if err != nil {
		return ethtx.Recovery{}, errs.Wrap(errs.ProtocolViolation, "hsmsigner.marshal", "marshal sign request", err)
	}

	url := c.baseURL + path.Clean("/"+c.signPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return ethtx.Recovery{}, errs.Wrap(errs.TransientRemote, "hsmsigner.request", "build sign request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ethtx.Recovery{}, errs.Wrap(errs.TransientRemote, "hsmsigner.do", "hsm proxy unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return ethtx.Recovery{}, errs.New(errs.TransientRemote, "hsmsigner.status", fmt.Sprintf("hsm proxy returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return ethtx.Recovery{}, errs.New(errs.PermanentRemote, "hsmsigner.status", fmt.Sprintf("hsm proxy rejected sign request: status=%d", resp.StatusCode))
	}

	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ethtx.Recovery{}, errs.Wrap(errs.ProtocolViolation, "hsmsigner.decode", "decode hsm proxy response", err)
	}
	return parseSignature(decoded.Signature)
}

func parseSignature(sigHex string) (ethtx.Recovery, error) {
	sigHex = strings.TrimPrefix(strings.TrimSpace(sigHex), "0x")
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return ethtx.Recovery{}, errs.Wrap(errs.ProtocolViolation, "hsmsigner.signature", "invalid signature encoding", err)
	}
	if len(raw) != 65 {
		return ethtx.Recovery{}, errs.New(errs.ProtocolViolation, "hsmsigner.signature_length", fmt.Sprintf("expected 65-byte r||s||v signature, got %d", len(raw)))
	}
	return ethtx.Recovery{
		R: new(big.Int).SetBytes(raw[:32]),
		S: new(big.Int).SetBytes(raw[32:64]),
		V: raw[64],
	}, nil
}
