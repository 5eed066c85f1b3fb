package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/metergate/internal/auth"
	"github.com/vnmchuo/metergate/internal/cache"
	"github.com/vnmchuo/metergate/internal/ledger"
	"github.com/vnmchuo/metergate/internal/search"
	"github.com/vnmchuo/metergate/internal/usage"
	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

// Status tracks a request through the gate. The happy path is
// ADMITTED → SCOPED → PRICED → CHARGED → RECORDED; the other three are
// early exits.
type Status string

const (
	StatusAdmitted Status = "ADMITTED"
	StatusScoped   Status = "SCOPED"
	StatusPriced   Status = "PRICED"
	StatusCharged  Status = "CHARGED"
	StatusRecorded Status = "RECORDED"

	StatusRateLimited         Status = "RATE_LIMITED"
	StatusUnauthorized        Status = "UNAUTHORIZED"
	StatusInsufficientCredits Status = "INSUFFICIENT_CREDITS"
)

// Config is the gate's billing policy.
type Config struct {
	DefaultLimit     int           // per-credential quota when the key carries none
	Window           time.Duration // quota window handed to the limiter
	CreditsPerSearch int64
	// ChargeCachedResults decides whether a cache hit is billable. The
	// product has documented both answers over time, so it is an explicit
	// owner decision, never inferred.
	ChargeCachedResults bool
}

// Request is one inbound search to meter.
type Request struct {
	Credential *auth.Credential
	RequestID  string
	Query      string
	Kind       search.Kind
}

// Result carries everything the HTTP surface needs: the terminal status,
// limiter metadata for headers, the payload on success and the balance
// details on an insufficiency exit.
type Result struct {
	Status   Status
	Reason   string
	Decision *ratelimit.Decision

	Payload        []byte
	Count          int
	State          cache.State
	CacheHit       bool
	CreditsCharged int64
	Balance        int64
	Required       int64
	OperationID    string
}

// Gate chains admission, scope validation, pricing, the cached search and
// the ledger charge. The limiter fails open and the ledger fails closed;
// those two policies are deliberately different and must stay that way.
type Gate struct {
	limiter ratelimit.Limiter
	ledger  ledger.Store
	cache   cache.Store
	backend search.Backend
	usage   usage.Store
	tracer  trace.Tracer
	log     zerolog.Logger
	cfg     Config
}

func New(limiter ratelimit.Limiter, ledgerStore ledger.Store, cacheStore cache.Store, backend search.Backend, usageStore usage.Store, tracer trace.Tracer, logger zerolog.Logger, cfg Config) *Gate {
	return &Gate{
		limiter: limiter,
		ledger:  ledgerStore,
		cache:   cacheStore,
		backend: backend,
		usage:   usageStore,
		tracer:  tracer,
		log:     logger,
		cfg:     cfg,
	}
}

func (g *Gate) quota(cred *auth.Credential) int {
	if cred.RateLimit > 0 {
		return int(cred.RateLimit)
	}
	return g.cfg.DefaultLimit
}

// Process runs the state machine. A non-nil error means an internal failure
// (search backend down, store unreachable on a fail-closed path); policy
// outcomes come back as Result statuses, not errors.
func (g *Gate) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	cred := req.Credential

	ctx, span := g.tracer.Start(ctx, "gate.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", cred.TenantID),
		attribute.String("request_id", req.RequestID),
		attribute.String("kind", string(req.Kind)),
	)

	// 1. Admission. The limiter wrapper fails open, so an error here is a
	// programming bug, not a store outage.
	decision, err := g.limiter.Admit(ctx, cred.ID, g.quota(cred), g.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("rate limiter failed: %w", err)
	}
	if !decision.Allowed {
		return &Result{Status: StatusRateLimited, Decision: decision}, nil
	}

	// 2. Scope.
	scope := "search:" + string(req.Kind)
	if !cred.HasScope(scope) {
		return &Result{
			Status:   StatusUnauthorized,
			Reason:   fmt.Sprintf("credential lacks scope %q", scope),
			Decision: decision,
		}, nil
	}

	// 3. Price and check before any external work.
	required := g.cfg.CreditsPerSearch
	sufficient, err := g.ledger.CheckSufficient(ctx, cred.TenantID, required)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return &Result{
				Status:   StatusUnauthorized,
				Reason:   "no credit account for tenant",
				Decision: decision,
			}, nil
		}
		return nil, fmt.Errorf("credit check failed: %w", err)
	}
	if !sufficient {
		return g.insufficientResult(ctx, cred.TenantID, required, decision), nil
	}

	// 4. Perform the operation, cache first.
	res := &Result{Decision: decision}
	entry, err := g.cache.Lookup(ctx, cred.TenantID, req.Query, string(req.Kind))
	switch {
	case err == nil:
		res.CacheHit = true
		res.Payload = entry.Payload
		res.Count = entry.ResultCount
		res.State = entry.State
	case errors.Is(err, cache.ErrMiss):
		backendRes, err := g.backend.Search(ctx, cache.Normalize(req.Query), req.Kind)
		if err != nil {
			return nil, fmt.Errorf("search backend failed: %w", err)
		}
		res.Payload = backendRes.Payload
		res.Count = backendRes.Count
		res.State = cache.StateSuccess
		if backendRes.Count == 0 {
			res.State = cache.StateNoResults
		}
		// Cache write failure is non-fatal; the caller still gets the
		// freshly computed result.
		if _, err := g.cache.Store(ctx, cred.TenantID, req.Query, string(req.Kind), res.Payload, res.Count, res.State); err != nil {
			g.log.Warn().Err(err).
				Str("tenant_id", cred.TenantID).
				Msg("cache write failed")
		}
	default:
		// Treat a broken cache like a miss would be tempting, but a broken
		// relational store will fail the ledger too; fail closed here.
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	// 5. Charge.
	billable := !res.CacheHit || g.cfg.ChargeCachedResults
	res.OperationID = uuid.New().String()
	if billable {
		desc := fmt.Sprintf("%s search", req.Kind)
		if res.CacheHit {
			desc += " (cached)"
		}
		txn, err := g.ledger.Deduct(ctx, ledger.DeductParams{
			TenantID:     cred.TenantID,
			Amount:       required,
			OperationRef: &res.OperationID,
			Description:  desc,
		})
		if err != nil {
			// CheckSufficient is unlocked; a concurrent spender can still
			// win the race. The row lock inside Deduct is the authority.
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return g.insufficientResult(ctx, cred.TenantID, required, decision), nil
			}
			return nil, fmt.Errorf("credit deduction failed: %w", err)
		}
		res.CreditsCharged = required
		res.Balance = txn.BalanceAfter
	} else {
		if acct, err := g.ledger.GetBalance(ctx, cred.TenantID); err == nil {
			res.Balance = acct.Balance
		}
	}
	res.Status = StatusCharged

	// 6. Record usage. Best effort: a failure here is logged and never
	// rolls back the charge.
	rec := &usage.Record{
		TenantID:       cred.TenantID,
		RequestID:      req.RequestID,
		Endpoint:       "/v1/search",
		QueryKind:      string(req.Kind),
		Status:         200,
		LatencyMs:      time.Since(start).Milliseconds(),
		CreditsCharged: res.CreditsCharged,
		CacheHit:       res.CacheHit,
	}
	go func() {
		if err := g.usage.Log(context.Background(), rec); err != nil {
			g.log.Warn().Err(err).
				Str("tenant_id", rec.TenantID).
				Str("request_id", rec.RequestID).
				Msg("usage record write failed")
		}
	}()
	res.Status = StatusRecorded

	return res, nil
}

func (g *Gate) insufficientResult(ctx context.Context, tenantID string, required int64, decision *ratelimit.Decision) *Result {
	res := &Result{
		Status:   StatusInsufficientCredits,
		Decision: decision,
		Required: required,
	}
	if acct, err := g.ledger.GetBalance(ctx, tenantID); err == nil {
		res.Balance = acct.Balance
	}
	return res
}
