package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/api/handlers"
	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/config"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

const testSecret = "test-secret-key-at-least-32-chars-long"

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, mutate func(*config.APIConfig)) *Server {
	t.Helper()
	log := logger.Discard()
	db, err := storage.NewForTest(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.APIConfig{
		Host:        "127.0.0.1",
		Port:        8080,
		AuthEnabled: true,
		JWTSecret:   testSecret,
		JWTIssuer:   "fleet-controller",
		GzipEnabled: true,
		CORSEnabled: true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, log, Dependencies{
		Clusters: services.NewClusterService(db, nil, log),
		Checks: map[string]handlers.Checker{
			"database": func(context.Context) error { return db.Health() },
		},
		Version: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func token(t *testing.T) string {
	t.Helper()
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{Secret: []byte(testSecret), Issuer: "fleet-controller"}, logger.Discard())
	require.NoError(t, err)
	tok, err := auth.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	return tok
}

func serve(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServer(t *testing.T) {
	t.Run("should serve health checks without auth", func(t *testing.T) {
		srv := newServer(t, nil)

		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/health", "", nil).Code)

		w := serve(srv, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"database":"healthy"`)
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("should require a bearer token on the api", func(t *testing.T) {
		srv := newServer(t, nil)

		w := serve(srv, http.MethodGet, "/api/v1/clusters", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should create and list clusters end to end", func(t *testing.T) {
		srv := newServer(t, nil)
		auth := map[string]string{"Authorization": "Bearer " + token(t)}

		w := serve(srv, http.MethodPost, "/api/v1/clusters", `{"name":"eu","auto_scaling_enabled":true}`, auth)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = serve(srv, http.MethodPost, "/api/v1/clusters", `{"name":"eu"}`, auth)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = serve(srv, http.MethodGet, "/api/v1/clusters", "", auth)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Count)

		w = serve(srv, http.MethodGet, "/api/v1/clusters/1/load-balancer", "", auth)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "round_robin")
	})

	t.Run("should compress responses when asked", func(t *testing.T) {
		srv := newServer(t, func(c *config.APIConfig) { c.AuthEnabled = false })

		w := serve(srv, http.MethodGet, "/api/v1/clusters", "", map[string]string{"Accept-Encoding": "gzip"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

		zr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		plain, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Contains(t, string(plain), `"clusters"`)
	})

	t.Run("should not mount optional routes without dependencies", func(t *testing.T) {
		srv := newServer(t, func(c *config.APIConfig) { c.AuthEnabled = false })

		assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/api/v1/events", "", nil).Code)
		assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPut, "/api/v1/credentials/x", `{}`, nil).Code)
	})

	t.Run("should refuse to start auth with a weak secret", func(t *testing.T) {
		_, err := New(&config.APIConfig{AuthEnabled: true, JWTSecret: "short"}, logger.Discard(), Dependencies{})
		assert.Error(t, err)
	})
}
