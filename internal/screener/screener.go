// Package screener implements the KYT adapter of spec.md §4.6: local
// deny/review lists take priority, the remote provider is consulted only
// when the local verdict is not already BLOCK, results are cached per
// address and direction with a TTL, and the more restrictive of local and
// remote verdicts wins.
package screener

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Verdict enumerates a screening outcome.
type Verdict string

const (
	VerdictAllow     Verdict = "ALLOW"
	VerdictReview    Verdict = "REVIEW"
	VerdictBlock     Verdict = "BLOCK"
	VerdictUnchecked Verdict = "UNCHECKED"
)

// Direction distinguishes an outbound transfer check from an inbound deposit check.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// RemoteRisk enumerates the risk band a remote provider returns, mapped to a
// Verdict per spec.md §4.6 "Composition".
type RemoteRisk string

const (
	RiskNone      RemoteRisk = "none"
	RiskLow       RemoteRisk = "low"
	RiskMedium    RemoteRisk = "medium"
	RiskHigh      RemoteRisk = "high"
	RiskSevere    RemoteRisk = "severe"
	RiskUndefined RemoteRisk = "undefined"
)

// RemoteProvider is the vendor KYT API collaborator. The production
// implementation wraps an otelhttp-instrumented *http.Client; tests supply a
// deterministic fake.
type RemoteProvider interface {
	CheckAddress(ctx context.Context, address string, direction Direction) (RemoteRisk, error)
}

// Screener composes local lists, a TTL cache, and an optional remote provider.
type Screener struct {
	blacklist map[string]struct{}
	graylist  map[string]struct{}
	remote    RemoteProvider

	remoteEnabled   bool
	fallbackOnError bool
	cacheTTL        time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// Config configures a new Screener.
type Config struct {
	LocalBlacklist  []string
	LocalGraylist   []string
	Remote          RemoteProvider
	RemoteEnabled   bool
	FallbackOnError bool
	CacheTTL        time.Duration
}

// New constructs a Screener from cfg.
func New(cfg Config) *Screener {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &Screener{
		blacklist:       toSet(cfg.LocalBlacklist),
		graylist:        toSet(cfg.LocalGraylist),
		remote:          cfg.Remote,
		remoteEnabled:   cfg.RemoteEnabled,
		fallbackOnError: cfg.FallbackOnError,
		cacheTTL:        ttl,
		cache:           make(map[string]cacheEntry),
	}
	return s
}

func toSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return set
}

// EvaluateOutbound screens a candidate recipient address for an outbound transfer.
func (s *Screener) EvaluateOutbound(ctx context.Context, address string) (Verdict, error) {
	return s.evaluate(ctx, address, DirectionOutbound)
}

// EvaluateInbound screens the sender of an inbound deposit.
func (s *Screener) EvaluateInbound(ctx context.Context, fromAddress string) (Verdict, error) {
	return s.evaluate(ctx, fromAddress, DirectionInbound)
}

func (s *Screener) evaluate(ctx context.Context, address string, direction Direction) (Verdict, error) {
	key := cacheKey(address, direction)
	if cached, ok := s.lookupCache(key); ok {
		return cached, nil
	}

	local := s.localVerdict(address)
	if local == VerdictBlock {
		s.storeCache(key, local)
		return local, nil
	}

	if !s.remoteEnabled || s.remote == nil {
		verdict := mostRestrictive(local, VerdictAllow)
		s.storeCache(key, verdict)
		return verdict, nil
	}

	risk, err := s.remote.CheckAddress(ctx, address, direction)
	remoteVerdict := VerdictUnchecked
	if err != nil {
		if !s.fallbackOnError {
			remoteVerdict = VerdictReview
		}
		// fallback enabled: remoteVerdict stays UNCHECKED, the orchestrator
		// treats it as ALLOW but records it prominently (spec.md §4.6).
	} else {
		remoteVerdict = verdictFromRisk(risk)
	}

	final := mostRestrictive(local, remoteVerdict)
	s.storeCache(key, final)
	return final, nil
}

func (s *Screener) localVerdict(address string) Verdict {
	addr := strings.ToLower(strings.TrimSpace(address))
	if _, blocked := s.blacklist[addr]; blocked {
		return VerdictBlock
	}
	if _, reviewed := s.graylist[addr]; reviewed {
		return VerdictReview
	}
	return VerdictAllow
}

func verdictFromRisk(risk RemoteRisk) Verdict {
	switch risk {
	case RiskNone, RiskLow:
		return VerdictAllow
	case RiskMedium, RiskHigh:
		return VerdictReview
	case RiskSevere:
		return VerdictBlock
	default:
		return VerdictReview
	}
}

var restrictiveness = map[Verdict]int{
	VerdictAllow:     0,
	VerdictUnchecked: 1,
	VerdictReview:    2,
	VerdictBlock:     3,
}

func mostRestrictive(a, b Verdict) Verdict {
	if restrictiveness[a] >= restrictiveness[b] {
		return a
	}
	return b
}

func cacheKey(address string, direction Direction) string {
	sum := sha256.Sum256([]byte(strings.ToLower(address) + "|" + string(direction)))
	return string(sum[:])
}

func (s *Screener) lookupCache(key string) (Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.verdict, true
}

func (s *Screener) storeCache(key string, verdict Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{verdict: verdict, expiresAt: time.Now().Add(s.cacheTTL)}
}

// NewInstrumentedHTTPClient returns an http.Client wrapped with otelhttp so
// every remote-provider call emits a trace span, per SPEC_FULL.md §2's
// domain-stack wiring for the screener's outbound HTTP client.
func NewInstrumentedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}
