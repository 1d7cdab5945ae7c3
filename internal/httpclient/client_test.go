package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetSetsUserAgentAndRunsHook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	c := New(nil)
	defer c.Close()

	var hooked atomic.Int32
	c.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, _ time.Duration, err error) {
		if err == nil && resp.StatusCode == http.StatusOK {
			hooked.Add(1)
		}
	})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "classwatch", string(body))
	assert.Equal(t, int32(1), hooked.Load())
}

func TestClient_DefaultTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(&Config{DefaultTimeout: 50 * time.Millisecond})
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestClient_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Get(context.Background(), "://bad")
	require.Error(t, err)
}
