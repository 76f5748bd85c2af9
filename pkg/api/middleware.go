package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shreed27/AgentHub-sub013/pkg/apikey"
	"github.com/shreed27/AgentHub-sub013/pkg/metrics"
	"github.com/shreed27/AgentHub-sub013/pkg/ratelimit"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

const walletContextKey = "wallet"

// loggingMiddleware logs each request with latency and status.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		}).Info("Request handled")
	}
}

// authMiddleware resolves the calling wallet from an API key when one is
// supplied. Resolution failures reject the request; absence of a key simply
// leaves the wallet unset for handlers that accept anonymous calls.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			c.Next()
			return
		}

		wallet, err := s.keys.ResolveWallet(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		c.Set(walletContextKey, wallet)
		c.Next()
	}
}

// requireWallet aborts unless the request was authenticated with an API key.
func requireWallet(c *gin.Context) (string, bool) {
	wallet := c.GetString(walletContextKey)
	if wallet == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
		return "", false
	}
	return wallet, true
}

// callerWallet returns the authenticated wallet, or the supplied fallback
// when the call is anonymous. An authenticated caller may only act as itself.
func callerWallet(c *gin.Context, fallback string) (string, error) {
	authed := c.GetString(walletContextKey)
	fallback = store.NormalizeWallet(fallback)
	if authed == "" {
		if fallback == "" {
			return "", errors.New("wallet is required")
		}
		return fallback, nil
	}
	if fallback != "" && fallback != authed {
		return "", errors.New("wallet does not match api key")
	}
	return authed, nil
}

// rateLimitMiddleware enforces the sliding-window caps per wallet and IP. The
// request is recorded only after both checks pass, against the same window
// the checks evaluated.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetString(walletContextKey)
		ip := c.ClientIP()

		if err := s.limiter.Allow(c.Request.Context(), wallet, ip); err != nil {
			var limitErr *ratelimit.LimitError
			if errors.As(err, &limitErr) {
				metrics.RateLimitHits.WithLabelValues(limitErr.Kind).Inc()
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": limitErr.Error()})
				return
			}
			log.WithField("error", err.Error()).Error("Rate limit check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}

		if err := s.limiter.Record(c.Request.Context(), wallet, ip); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to record request for rate limiting")
		}

		c.Next()
	}
}

// ipBurstLimiter is a token-bucket guard in front of the sliding-window
// limiter, absorbing request floods before they reach the store.
type ipBurstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPBurstLimiter(rps float64, burst int) *ipBurstLimiter {
	return &ipBurstLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (b *ipBurstLimiter) limiter(ip string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[ip]
	if !ok {
		l = rate.NewLimiter(b.rps, b.burst)
		b.limiters[ip] = l
	}
	return l
}

func (b *ipBurstLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !b.limiter(c.ClientIP()).Allow() {
			metrics.RateLimitHits.WithLabelValues("ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware guards admin endpoints with an HS256 JWT carrying an
// admin role claim.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		tokenString := strings.TrimPrefix(auth, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		c.Next()
	}
}
