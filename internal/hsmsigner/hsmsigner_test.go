package hsmsigner

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amijkko/custody-core/internal/errs"
)

// writeTestClientCredentials generates a throwaway self-signed client
// certificate/key pair, mirroring the lending package's
// writeTestServerCredentials helper but for the client side of an mTLS dial.
func writeTestClientCredentials(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hsmsigner-test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create client cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath = filepath.Join(dir, "client.pem")
	keyPath = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write client cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	return certPath, keyPath
}

// writeCAPEMFromServer trusts an httptest.Server's own TLS certificate as the
// CA, letting the test dial it without standing up a separate CA hierarchy.
func writeCAPEMFromServer(t *testing.T, dir string, server *httptest.Server) string {
	t.Helper()
	cert := server.Certificate()
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	path := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(path, caPEM, 0o600); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath := writeTestClientCredentials(t, dir)
	caPath := writeCAPEMFromServer(t, dir, server)
	client, err := New(Config{
		BaseURL:    server.URL,
		CACertPath: caPath,
		ClientCert: certPath,
		ClientKey:  keyPath,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSignPostsDigestAndParsesSignature(t *testing.T) {
	var gotPath string
	var gotBody signRequest
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sig := make([]byte, 65)
		sig[0] = 0xAB
		sig[64] = 27
		_ = json.NewEncoder(w).Encode(signResponse{Signature: "0x" + hex.EncodeToString(sig)})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	walletID := uuid.New()
	digest := [32]byte{1, 2, 3}

	sig, err := client.Sign(context.Background(), digest, walletID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if gotPath != "/sign" {
		t.Fatalf("expected the default sign path, got %q", gotPath)
	}
	if gotBody.WalletID != walletID.String() {
		t.Fatalf("expected wallet id %s, got %s", walletID, gotBody.WalletID)
	}
	if sig.V != 27 {
		t.Fatalf("expected recovery parity 27, got %d", sig.V)
	}
}

func TestSignReturnsTransientRemoteOnServerError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Sign(context.Background(), [32]byte{}, uuid.New())
	if errs.KindOf(err) != errs.TransientRemote {
		t.Fatalf("expected a TransientRemote error for a 5xx response, got %v", err)
	}
}

func TestSignReturnsPermanentRemoteOnRejection(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Sign(context.Background(), [32]byte{}, uuid.New())
	if errs.KindOf(err) != errs.PermanentRemote {
		t.Fatalf("expected a PermanentRemote error for a rejected request, got %v", err)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestClientCredentials(t, dir)
	if _, err := New(Config{BaseURL: "  ", ClientCert: certPath, ClientKey: keyPath, CACertPath: certPath}); err == nil {
		t.Fatalf("expected an error for an empty base url")
	}
}

func TestNewRejectsMissingClientCertificateFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(Config{
		BaseURL:    "https://hsm.example.com",
		CACertPath: filepath.Join(dir, "missing-ca.pem"),
		ClientCert: filepath.Join(dir, "missing-cert.pem"),
		ClientKey:  filepath.Join(dir, "missing-key.pem"),
	}); err == nil {
		t.Fatalf("expected an error for missing certificate files")
	}
}

func TestParseSignatureParsesValidSignature(t *testing.T) {
	raw := make([]byte, 65)
	raw[0] = 0x01
	raw[32] = 0x02
	raw[64] = 28
	sig, err := parseSignature("0x" + hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("parse signature: %v", err)
	}
	if sig.V != 28 {
		t.Fatalf("expected V=28, got %d", sig.V)
	}
}

func TestParseSignatureRejectsWrongLength(t *testing.T) {
	_, err := parseSignature("0x" + hex.EncodeToString([]byte{1, 2, 3}))
	if errs.KindOf(err) != errs.ProtocolViolation {
		t.Fatalf("expected a ProtocolViolation for a short signature, got %v", err)
	}
}

func TestParseSignatureRejectsInvalidHex(t *testing.T) {
	_, err := parseSignature("not-hex")
	if errs.KindOf(err) != errs.ProtocolViolation {
		t.Fatalf("expected a ProtocolViolation for invalid hex, got %v", err)
	}
}
