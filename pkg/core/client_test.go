package core

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_id is required")
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "en_US", c.Lang())
	assert.NotNil(t, c.Auth())
	assert.NotNil(t, c.Fs())
	assert.Equal(t, "test-app", c.Config().AppID)
}

func TestClient_ResolvesPaths(t *testing.T) {
	c := newTestClient(t, "https://apis.example.com/")

	assert.Equal(t, "https://apis.example.com/v4/records", c.NewRequest(MethodGet, "/v4/records", nil).URL())
	assert.Equal(t, "https://apis.example.com/v4/records", c.NewRequest(MethodGet, "v4/records", nil).URL())
	assert.Equal(t, "https://other.example.com/x", c.NewRequest(MethodGet, "https://other.example.com/x", nil).URL())

	r := c.NewRequest("", "/v4/records", nil)
	assert.Equal(t, MethodGet, r.Method())
	assert.NotEqual(t, r.Tag(), c.NewRequest(MethodGet, "/v4/records", nil).Tag())
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	rec := newRecorder()
	c.Sender().Get("/v4/records", nil, nil, rec)
	rec.wait(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Pending())
}

func TestClient_CloseFromCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	closed := make(chan error, 1)
	c.Sender().Get("/v4/records", nil, nil, DelegateFuncs{
		Success: func(*Response) { closed <- c.Close() },
		Failure: func(err error) { closed <- err },
	})

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close called from OnSuccess never returned")
	}
	select {
	case <-c.looper.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("callback loop still running after Close")
	}

	r := c.Sender().Get("/v4/records", nil, nil, nil)
	assert.Equal(t, StateFailed, r.State())
}

func TestClient_SendAfterClose(t *testing.T) {
	var calls []func()
	c := newTestClient(t, "http://127.0.0.1:1", WithExecutor(func(fn func()) { calls = append(calls, fn) }))
	require.NoError(t, c.Close())

	rec := newRecorder()
	r := c.Sender().Get("/v4/records", nil, nil, rec)
	assert.Equal(t, StateFailed, r.State())
	require.Len(t, calls, 1)
	calls[0]()
	_, err := rec.Result()
	assert.ErrorContains(t, err, "failed to enqueue request")
}
