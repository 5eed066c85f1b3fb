package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrKeyNotFound  = errors.New("api key not found")
	ErrMissingScope = errors.New("credential lacks required scope")
)

// Credential is an API key row. The credential is the identity a request
// authenticates with; TenantID is who it bills against.
type Credential struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	Scopes    []string  `json:"scopes"`     // e.g. "search:username", "search:email"
	RateLimit int64     `json:"rate_limit"` // max requests per window; 0 means use the configured default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// HasScope reports whether the credential may exercise the capability.
func (c *Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *Credential) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *Credential) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*Credential, error)
	Create(ctx context.Context, cred *Credential) error
	Revoke(ctx context.Context, credID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	credentialKey contextKey = "credential"
	requestIDKey  contextKey = "request_id"
)

// NewMiddleware authenticates Bearer API keys against the store with a
// five-minute Redis read-through cache on the key hash.
func NewMiddleware(store Store, cache *redis.Client, logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			redisKey := fmt.Sprintf("auth:%s", hashKey(key))

			var cached Credential
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil {
				ctx = context.WithValue(ctx, credentialKey, &cached)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else if err != redis.Nil {
				logger.Warn().Err(err).Msg("auth cache error, falling through to store")
			}

			cred, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			// Cache the result for 5 minutes
			_ = cache.Set(ctx, redisKey, cred, 5*time.Minute).Err()

			ctx = context.WithValue(ctx, credentialKey, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetCredential(ctx context.Context) *Credential {
	if c, ok := ctx.Value(credentialKey).(*Credential); ok {
		return c
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
