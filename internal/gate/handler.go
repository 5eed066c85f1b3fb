package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/metergate/internal/auth"
	"github.com/vnmchuo/metergate/internal/ledger"
	"github.com/vnmchuo/metergate/internal/search"
	"github.com/vnmchuo/metergate/internal/usage"
	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

// Handler is the HTTP surface over the gate and the tenant-facing credit
// endpoints.
type Handler struct {
	gate   *Gate
	ledger ledger.Store
	usage  usage.Store
	log    zerolog.Logger
}

func NewHandler(g *Gate, ledgerStore ledger.Store, usageStore usage.Store, logger zerolog.Logger) *Handler {
	return &Handler{gate: g, ledger: ledgerStore, usage: usageStore, log: logger}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Every gated response carries limiter metadata, throttled or not.
func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

type searchRequest struct {
	Query string `json:"query"`
	Kind  string `json:"kind"`
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if !search.ValidKind(req.Kind) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown search kind: " + req.Kind})
		return
	}

	res, err := h.gate.Process(ctx, Request{
		Credential: cred,
		RequestID:  requestID,
		Query:      req.Query,
		Kind:       search.Kind(req.Kind),
	})
	if err != nil {
		h.log.Error().Err(err).Str("request_id", requestID).Msg("gate processing failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "search failed"})
		return
	}

	setRateLimitHeaders(w, res.Decision)

	switch res.Status {
	case StatusRateLimited:
		retry := res.Decision.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retry,
		})
	case StatusUnauthorized:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": res.Reason})
	case StatusInsufficientCredits:
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":    "insufficient credits",
			"required": res.Required,
			"balance":  res.Balance,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"request_id":      requestID,
			"operation_id":    res.OperationID,
			"cached":          res.CacheHit,
			"credits_charged": res.CreditsCharged,
			"balance":         res.Balance,
			"count":           res.Count,
			"state":           res.State,
			"result":          json.RawMessage(res.Payload),
		})
	}
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	acct, err := h.ledger.GetBalance(ctx, cred.TenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no credit account"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if v > 200 {
			v = 200
		}
		limit = v
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
			return
		}
		offset = v
	}

	txns, err := h.ledger.GetHistory(ctx, cred.TenantID, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":    cred.TenantID,
		"limit":        limit,
		"offset":       offset,
		"transactions": txns,
	})
}

type purchaseRequest struct {
	Amount      int64  `json:"amount"`
	PaymentRef  string `json:"payment_ref"`
	Description string `json:"description"`
}

// HandlePurchase is the in-scope tail of the checkout flow: the payment
// processor has already settled, this applies the resulting credits.
func (h *Handler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}
	if req.PaymentRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment_ref is required"})
		return
	}

	txn, err := h.ledger.Add(ctx, ledger.AddParams{
		TenantID:    cred.TenantID,
		Amount:      req.Amount,
		PaymentRef:  &req.PaymentRef,
		Description: req.Description,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		var err error
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		var err error
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	recs, err := h.usage.GetByTenant(ctx, cred.TenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	total, err := h.usage.GetTotalCreditsByTenant(ctx, cred.TenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      cred.TenantID,
		"total_requests": len(recs),
		"total_credits":  total,
		"records":        recs,
		"from":           from,
		"to":             to,
	})
}
