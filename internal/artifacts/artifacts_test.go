package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// fakeS3 serves a single object and 404s everything else
func fakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	const body = "binary-data"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases/app.tar.gz" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method != http.MethodHead {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "11")
		if r.Method == http.MethodHead {
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	t.Run("should require an endpoint", func(t *testing.T) {
		_, err := NewClient(Config{}, logger.Discard())
		assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	})

	t.Run("should default the region", func(t *testing.T) {
		c, err := NewClient(Config{Endpoint: "localhost:9000"}, logger.Discard())
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", c.config.Region)
		assert.Equal(t, "localhost:9000", c.Endpoint())
	})
}

func TestClient_Open(t *testing.T) {
	srv := fakeS3(t)
	c, err := NewClient(Config{
		Endpoint:      strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:     "test",
		SecretKey:     "test-secret",
		DefaultBucket: "releases",
	}, logger.Discard())
	require.NoError(t, err)

	t.Run("should stream an existing object", func(t *testing.T) {
		rc, err := c.Open(context.Background(), "", "app.tar.gz")
		require.NoError(t, err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "binary-data", string(data))
	})

	t.Run("should map a missing object to not found", func(t *testing.T) {
		_, err := c.Open(context.Background(), "releases", "missing.tar.gz")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})
}
