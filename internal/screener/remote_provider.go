package screener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/amijkko/custody-core/internal/errs"
)

// HTTPProvider calls a vendor KYT HTTP API at its configured endpoint. It
// performs no DNS SRV lookup itself; ResolveSRVEndpoint is a separate helper.
type HTTPProvider struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// HTTPProviderConfig configures NewHTTPProvider. NewHTTPProvider does not
// read SRVName or Resolver: the endpoint is used as given, with no SRV
// re-resolution before calls.
type HTTPProviderConfig struct {
	Endpoint string
	APIKey   string
	SRVName  string
	Resolver string
	Timeout  time.Duration
}

// NewHTTPProvider builds an HTTPProvider from cfg, wiring the otelhttp
// transport configured by NewInstrumentedHTTPClient.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	return &HTTPProvider{
		client:   NewInstrumentedHTTPClient(cfg.Timeout),
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
	}
}

type checkRequest struct {
	Address   string `json:"address"`
	Direction string `json:"direction"`
}

type checkResponse struct {
	Risk string `json:"risk"`
}

// CheckAddress queries the vendor endpoint for address's risk band.
func (p *HTTPProvider) CheckAddress(ctx context.Context, address string, direction Direction) (RemoteRisk, error) {
	body, err := json.Marshal(checkRequest{Address: address, Direction: string(direction)})
	if err != nil {
		return "", errs.Wrap(errs.ProtocolViolation, "screener.marshal_request", "marshal KYT request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/screen", strings.NewReader(string(body)))
	if err != nil {
		return "", errs.Wrap(errs.ConfigurationError, "screener.build_request", "build KYT request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.TransientRemote, "screener.remote_call", "call KYT provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errs.New(errs.TransientRemote, "screener.remote_5xx", fmt.Sprintf("KYT provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.PermanentRemote, "screener.remote_error", fmt.Sprintf("KYT provider returned %d", resp.StatusCode))
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.Wrap(errs.ProtocolViolation, "screener.decode_response", "decode KYT response", err)
	}
	return RemoteRisk(strings.ToLower(out.Risk)), nil
}

// ResolveSRVEndpoint resolves srvName against resolver (host:port, empty
// uses the system default) and returns the first target as "host:port".
func ResolveSRVEndpoint(ctx context.Context, resolver, srvName string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(srvName), dns.TypeSRV)

	server := resolver
	if server == "" {
		server = "127.0.0.1:53"
	}

	client := new(dns.Client)
	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", errs.Wrap(errs.TransientRemote, "screener.dns_srv", "resolve screener SRV record", err)
	}
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			return fmt.Sprintf("%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port), nil
		}
	}
	return "", errs.New(errs.NotFound, "screener.dns_srv_empty", "no SRV records found for "+srvName)
}
