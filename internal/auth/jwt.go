package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
)

const principalKey = "principal"

// Principal is the caller identified by a verified JWT
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier verifies bearer tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration
	log        *zap.Logger

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

// NewJWTVerifier registers jwksURL with a refreshing cache and warms it.
// Background refresh stops when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string, log *zap.Logger) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		log:        log.Named("jwt"),
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(warm)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.setKeySet(keySet)

	go v.backgroundRefresh(ctx)

	return v, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set) *JWTVerifier {
	v := &JWTVerifier{log: zap.NewNop()}
	v.setKeySet(keySet)
	return v
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fctx)
		cancel()
		if err != nil {
			// retried on the next tick
			v.log.Warn("JWKS refresh failed", zap.Error(err))
			continue
		}
		v.setKeySet(keySet)
	}
}

func (v *JWTVerifier) setKeySet(keySet jwk.Set) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keySet = keySet
	v.lastFetch = time.Now()
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// PrincipalFromRequest validates the Authorization bearer token
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	p := &Principal{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		p.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		p.Name, _ = claim.(string)
	}
	return p, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the gin context.
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		p, err := v.PrincipalFromRequest(c.Request)
		if err != nil {
			v.log.Debug("Rejected token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// KeyStats describes the cached key set
type KeyStats struct {
	KeysCached int       `json:"keys_cached"`
	LastFetch  time.Time `json:"last_fetch"`
	JWKSURL    string    `json:"jwks_url,omitempty"`
}

func (v *JWTVerifier) Stats() KeyStats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	stats := KeyStats{LastFetch: v.lastFetch, JWKSURL: v.jwksURL}
	if v.keySet != nil {
		stats.KeysCached = v.keySet.Len()
	}
	return stats
}
