package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestService_EmbedQuery(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sprint context", req["inputs"])

		_ = json.NewEncoder(w).Encode([][]float32{{0.1, 0.2, 0.3}})
	})

	svc, err := NewService(Config{BaseURL: srv.URL, Model: "test-model"}, zap.NewNop())
	require.NoError(t, err)

	vec, err := svc.EmbedQuery(context.Background(), "sprint context")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestService_EmbedDocuments(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0}, {0, 1}})
	})

	svc, err := NewService(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	vecs, err := svc.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}

func TestService_EmptyInputIsPermanent(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://localhost:1"}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, IsTransient(err))

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestService_ServerErrorIsTransient(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	svc, err := NewService(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsTransient(err))
}

func TestService_ClientErrorIsPermanent(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	})

	svc, err := NewService(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, IsTransient(err))
}

func TestService_UnreachableIsTransient(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "x")
	assert.True(t, IsTransient(err))
}

func TestService_DimensionDetection(t *testing.T) {
	svc, err := NewService(Config{BaseURL: "http://localhost:1", Model: "BAAI/bge-base-en-v1.5"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 768, svc.Dimension())

	svc, err = NewService(Config{BaseURL: "http://localhost:1", Model: "BAAI/bge-large-en-v1.5"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1024, svc.Dimension())

	svc, err = NewService(Config{BaseURL: "http://localhost:1", Model: "unknown", Dimension: 512}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 512, svc.Dimension())
}

func TestService_RequiresBaseURL(t *testing.T) {
	_, err := NewService(Config{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
