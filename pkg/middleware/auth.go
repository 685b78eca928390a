// Package middleware provides the HTTP middleware chain for the
// ingestion server: API key authentication, per-key rate limiting and
// request instrumentation.
package middleware

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mctrack/mctrack/pkg/contextkeys"
	"github.com/mctrack/mctrack/pkg/httputil"
	"github.com/mctrack/mctrack/pkg/observability"
)

// APIKeyPrefix marks well-formed plugin keys. Requests without it are
// rejected before any hashing or lookup.
const APIKeyPrefix = "mct_"

const (
	scopeCacheSize = 4096
	scopeCacheTTL  = 5 * time.Minute
	negativeTTL    = time.Minute
)

// Scope is the authorization context resolved from an API key.
type Scope struct {
	APIKeyID     string `json:"api_key_id"`
	NetworkID    string `json:"network_id"`
	GamemodeID   string `json:"gamemode_id,omitempty"`
	GamemodeName string `json:"gamemode_name,omitempty"`
}

// ScopeStore resolves key hashes against the api_keys table.
type ScopeStore interface {
	LookupScope(ctx context.Context, keyHash string) (*Scope, error)
	TouchAPIKey(ctx context.Context, apiKeyID string) error
}

// ErrKeyNotFound indicates no active key matches the presented hash.
var ErrKeyNotFound = errors.New("api key not found")

// SQLScopeStore is the postgres-backed ScopeStore.
type SQLScopeStore struct {
	db *sql.DB
}

// NewSQLScopeStore creates a store over an open database handle.
func NewSQLScopeStore(db *sql.DB) *SQLScopeStore {
	return &SQLScopeStore{db: db}
}

// LookupScope resolves an active (non-revoked) key hash to its scope.
func (s *SQLScopeStore) LookupScope(ctx context.Context, keyHash string) (*Scope, error) {
	query := `
		SELECT k.id, k.network_id, COALESCE(k.gamemode_id::text, ''), COALESCE(g.name, '')
		FROM api_keys k
		LEFT JOIN gamemodes g ON g.id = k.gamemode_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL`

	var scope Scope
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&scope.APIKeyID, &scope.NetworkID, &scope.GamemodeID, &scope.GamemodeName)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &scope, nil
}

// TouchAPIKey stamps last_used_at.
func (s *SQLScopeStore) TouchAPIKey(ctx context.Context, apiKeyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, apiKeyID)
	return err
}

// APIKeyAuth authenticates plugin requests from the X-API-Key header.
// Resolved scopes are cached in-process (expirable LRU) in front of a
// shared redis tier, so replica restarts stay cheap on the database.
// Misses are cached too, with a shorter TTL, to blunt key scanning.
type APIKeyAuth struct {
	store  ScopeStore
	redis  *redis.Client
	local  *lru.LRU[string, *Scope]
	logger *observability.Logger
}

// NewAPIKeyAuth creates the middleware. The redis client may be nil in
// tests; only the local tier is used then.
func NewAPIKeyAuth(store ScopeStore, redisClient *redis.Client, logger *observability.Logger) *APIKeyAuth {
	return &APIKeyAuth{
		store:  store,
		redis:  redisClient,
		local:  lru.NewLRU[string, *Scope](scopeCacheSize, nil, scopeCacheTTL),
		logger: logger,
	}
}

// HashAPIKey returns the hex SHA-256 digest stored in api_keys.key_hash.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Handler wraps next with API key authentication.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || !strings.HasPrefix(key, APIKeyPrefix) {
			httputil.WriteUnauthorized(w, "UNAUTHORIZED", "missing or malformed API key")
			return
		}

		scope, err := a.resolve(r.Context(), HashAPIKey(key))
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				httputil.WriteUnauthorized(w, "UNAUTHORIZED", "invalid API key")
				return
			}
			a.logger.WithError(err).Error("api key lookup failed")
			httputil.WriteInternalError(w, errors.New("authentication unavailable"))
			return
		}

		// Last-used bookkeeping must not add latency to ingestion.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := a.store.TouchAPIKey(ctx, id); err != nil {
				a.logger.WithError(err).Debug("failed to update api key last_used_at")
			}
		}(scope.APIKeyID)

		next.ServeHTTP(w, r.WithContext(contextkeys.WithScope(r.Context(), scope)))
	})
}

// GetScope returns the authenticated scope set by Handler.
func GetScope(ctx context.Context) *Scope {
	if scope, ok := ctx.Value(contextkeys.ScopeKey).(*Scope); ok {
		return scope
	}
	return nil
}

func scopeCacheKey(keyHash string) string {
	return fmt.Sprintf("apikey:%s", keyHash)
}

// negativeScope marks a cached miss. APIKeyID is never empty for real keys.
var negativeScope = &Scope{}

func (a *APIKeyAuth) resolve(ctx context.Context, keyHash string) (*Scope, error) {
	if scope, ok := a.local.Get(keyHash); ok {
		if scope.APIKeyID == "" {
			return nil, ErrKeyNotFound
		}
		return scope, nil
	}

	if scope, ok := a.redisGet(ctx, keyHash); ok {
		a.local.Add(keyHash, scope)
		if scope.APIKeyID == "" {
			return nil, ErrKeyNotFound
		}
		return scope, nil
	}

	scope, err := a.store.LookupScope(ctx, keyHash)
	if errors.Is(err, ErrKeyNotFound) {
		a.local.Add(keyHash, negativeScope)
		a.redisSet(ctx, keyHash, negativeScope, negativeTTL)
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, err
	}

	a.local.Add(keyHash, scope)
	a.redisSet(ctx, keyHash, scope, scopeCacheTTL)
	return scope, nil
}

func (a *APIKeyAuth) redisGet(ctx context.Context, keyHash string) (*Scope, bool) {
	if a.redis == nil {
		return nil, false
	}

	data, err := a.redis.Get(ctx, scopeCacheKey(keyHash)).Result()
	if err == redis.Nil {
		return nil, false
	} else if err != nil {
		a.logger.WithError(err).Debug("scope cache read failed")
		return nil, false
	}

	var scope Scope
	if err := json.Unmarshal([]byte(data), &scope); err != nil {
		a.redis.Del(ctx, scopeCacheKey(keyHash))
		return nil, false
	}
	return &scope, true
}

func (a *APIKeyAuth) redisSet(ctx context.Context, keyHash string, scope *Scope, ttl time.Duration) {
	if a.redis == nil {
		return
	}

	data, err := json.Marshal(scope)
	if err != nil {
		return
	}
	if err := a.redis.Set(ctx, scopeCacheKey(keyHash), data, ttl).Err(); err != nil {
		a.logger.WithError(err).Debug("scope cache write failed")
	}
}
