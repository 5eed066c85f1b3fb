package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/metergate/internal/auth"
	"github.com/vnmchuo/metergate/internal/cache"
	"github.com/vnmchuo/metergate/internal/ledger"
	"github.com/vnmchuo/metergate/internal/search"
	"github.com/vnmchuo/metergate/internal/usage"
	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

type stubLimiter struct {
	decision *ratelimit.Decision
	err      error
}

func (s *stubLimiter) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*ratelimit.Decision, error) {
	return s.decision, s.err
}

type stubBackend struct {
	searchFunc func(ctx context.Context, query string, kind search.Kind) (*search.Result, error)
	calls      int
}

func (s *stubBackend) Search(ctx context.Context, query string, kind search.Kind) (*search.Result, error) {
	s.calls++
	return s.searchFunc(ctx, query, kind)
}

type stubUsage struct {
	logFunc func(ctx context.Context, rec *usage.Record) error
	logged  chan *usage.Record
}

func newStubUsage() *stubUsage {
	return &stubUsage{logged: make(chan *usage.Record, 8)}
}

func (s *stubUsage) Log(ctx context.Context, rec *usage.Record) error {
	if s.logFunc != nil {
		if err := s.logFunc(ctx, rec); err != nil {
			s.logged <- nil
			return err
		}
	}
	s.logged <- rec
	return nil
}

func (s *stubUsage) GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.Record, error) {
	return nil, nil
}

func (s *stubUsage) GetTotalCreditsByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	return 0, nil
}

func (s *stubUsage) waitForRecord(t *testing.T) *usage.Record {
	t.Helper()
	select {
	case rec := <-s.logged:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for usage record")
		return nil
	}
}

func allowAll() *stubLimiter {
	return &stubLimiter{decision: &ratelimit.Decision{
		Allowed:   true,
		Limit:     60,
		Remaining: 59,
		ResetAt:   time.Now().Add(time.Minute),
	}}
}

type fixture struct {
	gate    *Gate
	ledger  *ledger.MemoryStore
	cache   *cache.MemoryStore
	backend *stubBackend
	usage   *stubUsage
	limiter *stubLimiter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewMemoryStore(),
		cache:   cache.NewMemoryStore(),
		usage:   newStubUsage(),
		limiter: allowAll(),
	}
	f.backend = &stubBackend{
		searchFunc: func(ctx context.Context, query string, kind search.Kind) (*search.Result, error) {
			return &search.Result{Payload: []byte(`{"count":1,"results":["hit"]}`), Count: 1}, nil
		},
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	f.gate = New(f.limiter, f.ledger, f.cache, f.backend, f.usage, tracer, zerolog.Nop(), cfg)
	return f
}

func testCredential() *auth.Credential {
	return &auth.Credential{
		ID:       "cred-1",
		TenantID: "tenant-1",
		Scopes:   []string{"search:username", "search:email"},
		Active:   true,
	}
}

func testRequest() Request {
	return Request{
		Credential: testCredential(),
		RequestID:  "req-1",
		Query:      "RobloxUser",
		Kind:       search.KindUsername,
	}
}

func grant(t *testing.T, store *ledger.MemoryStore, tenantID string, amount int64) {
	t.Helper()
	if _, err := store.Add(context.Background(), ledger.AddParams{
		TenantID:    tenantID,
		Amount:      amount,
		Description: "test grant",
	}); err != nil {
		t.Fatalf("Failed to grant credits: %v", err)
	}
}

func defaultConfig() Config {
	return Config{
		DefaultLimit:        60,
		Window:              time.Minute,
		CreditsPerSearch:    2,
		ChargeCachedResults: true,
	}
}

func TestProcess_RateLimited(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 100)
	f.limiter.decision = &ratelimit.Decision{
		Allowed:    false,
		Limit:      60,
		Remaining:  0,
		ResetAt:    time.Now().Add(30 * time.Second),
		RetryAfter: 30 * time.Second,
	}

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != StatusRateLimited {
		t.Errorf("Expected RATE_LIMITED, got %s", res.Status)
	}
	if res.Decision == nil || res.Decision.Allowed {
		t.Errorf("Rejection must carry the limiter decision")
	}
	if f.backend.calls != 0 {
		t.Errorf("Backend must not be called on a throttled request")
	}

	acct, _ := f.ledger.GetBalance(context.Background(), "tenant-1")
	if acct.Balance != 100 {
		t.Errorf("Throttled request must not charge, balance = %d", acct.Balance)
	}
}

func TestProcess_MissingScope(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 100)

	req := testRequest()
	req.Kind = search.KindPhone // not in the credential's scopes

	res, err := f.gate.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != StatusUnauthorized {
		t.Errorf("Expected UNAUTHORIZED, got %s", res.Status)
	}
	if res.Reason == "" {
		t.Errorf("Scope rejection should say which scope is missing")
	}

	acct, _ := f.ledger.GetBalance(context.Background(), "tenant-1")
	if acct.Balance != 100 {
		t.Errorf("Scope rejection must not charge, balance = %d", acct.Balance)
	}
}

func TestProcess_NoCreditAccount(t *testing.T) {
	f := newFixture(t, defaultConfig())

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != StatusUnauthorized {
		t.Errorf("Expected UNAUTHORIZED for a tenant with no account, got %s", res.Status)
	}
	if f.backend.calls != 0 {
		t.Errorf("Backend must not be called without a credit account")
	}
}

func TestProcess_InsufficientCredits(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 1) // price is 2

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != StatusInsufficientCredits {
		t.Errorf("Expected INSUFFICIENT_CREDITS, got %s", res.Status)
	}
	if res.Required != 2 || res.Balance != 1 {
		t.Errorf("Expected required=2 balance=1, got required=%d balance=%d", res.Required, res.Balance)
	}
	if f.backend.calls != 0 {
		t.Errorf("Backend must not be called when credits are insufficient")
	}
}

func TestProcess_MissThenHit(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 10)

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("First Process failed: %v", err)
	}
	if res.Status != StatusRecorded {
		t.Errorf("Expected RECORDED, got %s", res.Status)
	}
	if res.CacheHit {
		t.Errorf("First call must miss the cache")
	}
	if res.CreditsCharged != 2 || res.Balance != 8 {
		t.Errorf("Expected charge 2 leaving 8, got charge %d balance %d", res.CreditsCharged, res.Balance)
	}
	if res.State != cache.StateSuccess {
		t.Errorf("Expected SUCCESS state, got %s", res.State)
	}
	if res.OperationID == "" {
		t.Errorf("Charged request must carry an operation id")
	}
	rec := f.usage.waitForRecord(t)
	if rec.CacheHit || rec.CreditsCharged != 2 {
		t.Errorf("Usage record mismatch: %+v", rec)
	}

	// Same query with different case and padding hits the cache, and the
	// default policy still charges for it.
	req := testRequest()
	req.Query = "  robloxuser"
	res, err = f.gate.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Second Process failed: %v", err)
	}
	if !res.CacheHit {
		t.Errorf("Second call must hit the cache")
	}
	if res.CreditsCharged != 2 || res.Balance != 6 {
		t.Errorf("Cached hit should charge under the default policy, got charge %d balance %d", res.CreditsCharged, res.Balance)
	}
	if f.backend.calls != 1 {
		t.Errorf("Backend should be called once, got %d", f.backend.calls)
	}
	f.usage.waitForRecord(t)
}

func TestProcess_CacheHitFreePolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.ChargeCachedResults = false
	f := newFixture(t, cfg)
	grant(t, f.ledger, "tenant-1", 10)

	if _, err := f.gate.Process(context.Background(), testRequest()); err != nil {
		t.Fatalf("First Process failed: %v", err)
	}
	f.usage.waitForRecord(t)

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Second Process failed: %v", err)
	}
	if !res.CacheHit {
		t.Fatalf("Second call must hit the cache")
	}
	if res.CreditsCharged != 0 {
		t.Errorf("Free policy must not charge cache hits, got %d", res.CreditsCharged)
	}
	if res.Balance != 8 {
		t.Errorf("Balance should still reflect only the first charge, got %d", res.Balance)
	}
	f.usage.waitForRecord(t)
}

func TestProcess_NoResultsState(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 10)
	f.backend.searchFunc = func(ctx context.Context, query string, kind search.Kind) (*search.Result, error) {
		return &search.Result{Payload: []byte(`{"count":0}`), Count: 0}, nil
	}

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.State != cache.StateNoResults {
		t.Errorf("Expected NO_RESULTS state, got %s", res.State)
	}
	// An empty answer is still an answer: it is cached and billed.
	if res.CreditsCharged != 2 {
		t.Errorf("No-results search must still charge, got %d", res.CreditsCharged)
	}
	f.usage.waitForRecord(t)
}

func TestProcess_BackendFailureDoesNotCharge(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 10)
	f.backend.searchFunc = func(ctx context.Context, query string, kind search.Kind) (*search.Result, error) {
		return nil, errors.New("backend down")
	}

	if _, err := f.gate.Process(context.Background(), testRequest()); err == nil {
		t.Fatalf("Expected error when the backend fails")
	}

	acct, _ := f.ledger.GetBalance(context.Background(), "tenant-1")
	if acct.Balance != 10 {
		t.Errorf("Failed search must not charge, balance = %d", acct.Balance)
	}
}

func TestProcess_UsageFailureKeepsCharge(t *testing.T) {
	f := newFixture(t, defaultConfig())
	grant(t, f.ledger, "tenant-1", 10)
	f.usage.logFunc = func(ctx context.Context, rec *usage.Record) error {
		return errors.New("usage store down")
	}

	res, err := f.gate.Process(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != StatusRecorded {
		t.Errorf("Usage write failure must not change the outcome, got %s", res.Status)
	}
	if f.usage.waitForRecord(t) != nil {
		t.Errorf("Expected the usage write to fail")
	}

	acct, _ := f.ledger.GetBalance(context.Background(), "tenant-1")
	if acct.Balance != 8 {
		t.Errorf("Charge must survive a usage write failure, balance = %d", acct.Balance)
	}
}

func TestQuota_CredentialOverride(t *testing.T) {
	f := newFixture(t, defaultConfig())

	cred := testCredential()
	if got := f.gate.quota(cred); got != 60 {
		t.Errorf("Expected default quota 60, got %d", got)
	}
	cred.RateLimit = 500
	if got := f.gate.quota(cred); got != 500 {
		t.Errorf("Expected credential quota 500, got %d", got)
	}
}
