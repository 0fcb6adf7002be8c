package delivery

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

	"github.com/austindbirch/nexus/internal/faults"
)

func TestPostSuccess(t *testing.T) {
	var gotBody, gotAuth, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"txHash":"0x1"}`))
	}))
	defer srv.Close()

	resp, err := Post(context.Background(), srv.Client(), "factory", srv.URL,
		map[string]string{"Authorization": "Bearer k"}, []byte(`{"amount":"10"}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"txHash":"0x1"}`, string(resp.Body))
	assert.Equal(t, `{"amount":"10"}`, gotBody)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "application/json", gotCT)
}

func TestPostUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 500), http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := Post(context.Background(), srv.Client(), "factory", srv.URL, nil, []byte(`{}`), time.Second)
	require.Error(t, err)
	assert.Equal(t, faults.Upstream, faults.KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, faults.StatusOf(err))
	assert.Equal(t, "http_5xx", faults.Reason(err))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Contains(t, err.Error(), "[truncated]")
}

func TestPostTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := Post(context.Background(), srv.Client(), "factory", srv.URL, nil, []byte(`{}`), 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, faults.Transport, faults.KindOf(err))
	assert.True(t, faults.IsTimeout(err))
	assert.Equal(t, "timeout", faults.Reason(err))
}

func TestPostConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Post(context.Background(), http.DefaultClient, "node", url, nil, []byte(`{}`), time.Second)
	require.Error(t, err)
	assert.Equal(t, faults.Transport, faults.KindOf(err))
}
