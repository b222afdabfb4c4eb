package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

var testSecret = []byte("test-secret-key-at-least-32-chars-long")

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: "fleet-controller"}, logger.Discard())
	require.NoError(t, err)
	return a
}

func protectedRouter(a *Authenticator) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})
	protected := router.Group("/api/v1")
	protected.Use(a.Auth())
	protected.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})
	return router
}

func do(router http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthenticator(t *testing.T) {
	t.Run("should reject short secrets", func(t *testing.T) {
		_, err := NewAuthenticator(AuthConfig{Secret: []byte("short")}, logger.Discard())
		assert.Error(t, err)
	})

	t.Run("should round trip issued tokens", func(t *testing.T) {
		a := newAuthenticator(t)
		token, err := a.IssueToken("ops@example.com", time.Hour)
		require.NoError(t, err)

		subject, err := a.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", subject)
	})

	t.Run("should set the subject as the user id", func(t *testing.T) {
		a := newAuthenticator(t)
		token, err := a.IssueToken("alice", time.Hour)
		require.NoError(t, err)

		w := do(protectedRouter(a), http.MethodGet, "/api/v1/whoami", map[string]string{
			AuthorizationHeader: "Bearer " + token,
		})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alice", w.Body.String())
	})

	t.Run("should reject bad credentials", func(t *testing.T) {
		a := newAuthenticator(t)
		router := protectedRouter(a)

		expired, err := a.IssueToken("alice", -time.Hour)
		require.NoError(t, err)

		other, err := NewAuthenticator(AuthConfig{Secret: []byte("another-secret-key-at-least-32-chars!!"), Issuer: "fleet-controller"}, logger.Discard())
		require.NoError(t, err)
		forged, err := other.IssueToken("mallory", time.Hour)
		require.NoError(t, err)

		none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "eve"})
		unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		cases := map[string]string{
			"missing header": "",
			"wrong scheme":   "Basic abc",
			"empty token":    "Bearer ",
			"expired":        "Bearer " + expired,
			"wrong key":      "Bearer " + forged,
			"alg none":       "Bearer " + unsigned,
		}
		for name, header := range cases {
			t.Run(name, func(t *testing.T) {
				headers := map[string]string{}
				if header != "" {
					headers[AuthorizationHeader] = header
				}
				w := do(router, http.MethodGet, "/api/v1/whoami", headers)
				assert.Equal(t, http.StatusUnauthorized, w.Code)
			})
		}
	})

	t.Run("should leave public routes open", func(t *testing.T) {
		w := do(protectedRouter(newAuthenticator(t)), http.MethodGet, "/public", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	router := protectedRouter(newAuthenticator(t))

	t.Run("should generate an id when none is sent", func(t *testing.T) {
		w := do(router, http.MethodGet, "/public", nil)
		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})

	t.Run("should echo the caller's id", func(t *testing.T) {
		w := do(router, http.MethodGet, "/public", map[string]string{RequestIDHeader: "abc-123"})
		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
		assert.Contains(t, w.Body.String(), "abc-123")
	})
}

func TestRateLimiter(t *testing.T) {
	newRouter := func(cfg *RateLimitConfig) (*gin.Engine, *RateLimiter) {
		rl := NewRateLimiter(cfg, logger.Discard())
		router := gin.New()
		router.Use(rl.RateLimit())
		router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router, rl
	}

	t.Run("should reject requests beyond the burst", func(t *testing.T) {
		router, rl := newRouter(&RateLimitConfig{RequestsPerMinute: 1, BurstSize: 2, EnableByIP: true})
		defer rl.Stop()

		assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/", nil).Code)
		assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/", nil).Code)

		w := do(router, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("should skip whitelisted addresses", func(t *testing.T) {
		// httptest requests come from 192.0.2.1
		router, rl := newRouter(&RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1, EnableByIP: true, WhitelistedIPs: []string{"192.0.2.1"}})
		defer rl.Stop()

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/", nil).Code)
		}
	})

	t.Run("should drop idle limiters", func(t *testing.T) {
		_, rl := newRouter(&RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, EnableByIP: true, CleanupInterval: time.Minute})
		defer rl.Stop()

		now := time.Now()
		rl.now = func() time.Time { return now }
		rl.getLimiter("ip:10.0.0.1")

		assert.Equal(t, 0, rl.cleanup())
		now = now.Add(2 * time.Minute)
		assert.Equal(t, 1, rl.cleanup())
	})
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), Recovery(logger.Discard()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := do(router, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal Server Error")
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS(), SecurityHeaders())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("should answer preflight requests", func(t *testing.T) {
		w := do(router, http.MethodOptions, "/", map[string]string{"Origin": "https://dash.example.com"})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://dash.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("should set security headers", func(t *testing.T) {
		w := do(router, http.MethodGet, "/", nil)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
