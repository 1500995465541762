package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginlookup/internal/connection"
	"pluginlookup/internal/domain"
	"pluginlookup/internal/registry"
	"pluginlookup/internal/supervisor"
)

type endpoint struct {
	done chan struct{}
	once sync.Once
}

func (e *endpoint) Done() <-chan struct{} { return e.done }
func (e *endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func connector() connection.Connector {
	return connection.ConnectorFunc(func(context.Context, domain.ProviderID) (connection.Endpoint, error) {
		return &endpoint{done: make(chan struct{})}, nil
	})
}

func registration(module, entry, name string) domain.Registration {
	return domain.Registration{
		Module:     module,
		EntryPoint: entry,
		Actions:    []string{domain.ActionPickProvider},
		Metadata:   map[string]string{domain.MetaName: name},
	}
}

func setup(t *testing.T, opts ...supervisor.Option) (*supervisor.Supervisor, *registry.MemorySource, http.Handler) {
	t.Helper()
	src := registry.NewMemorySource("memory",
		registration("a", "svc1", "Alpha"),
		registration("192.168.1.20", "7400", "Beta"),
	)
	sup, err := supervisor.New(registry.NewScanner(src), connector(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Close(ctx)
	})

	mux := http.NewServeMux()
	NewProviderHandler(sup, zerolog.Nop()).Register(mux)
	return sup, src, mux
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListProviders(t *testing.T) {
	sup, _, h := setup(t)

	rec := do(t, h, http.MethodGet, "/api/providers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	_, err := sup.Refresh(context.Background())
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/api/providers")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []domain.ProviderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "a/svc1", infos[0].ID)
	assert.Equal(t, "Beta", infos[1].Name)
}

func TestGetProvider(t *testing.T) {
	sup, _, h := setup(t)

	rec := do(t, h, http.MethodGet, "/api/providers/a/svc1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := sup.Refresh(context.Background())
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/api/providers/a/svc1")
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.ProviderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Alpha", info.Name)

	rec = do(t, h, http.MethodGet, "/api/providers/192.168.1.20/7400")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBindAndUnbindProvider(t *testing.T) {
	sup, _, h := setup(t)
	_, err := sup.Refresh(context.Background())
	require.NoError(t, err)

	c, ok := sup.Get(domain.NewProviderID("a", "svc1"))
	require.True(t, ok)
	require.Eventually(t, func() bool { return c.State() == domain.StateBound }, 2*time.Second, 5*time.Millisecond)

	rec := do(t, h, http.MethodPost, "/api/providers/a/svc1/unbind")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return c.State() == domain.StateUnbound }, 2*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/providers/a/svc1/bind")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return c.State() == domain.StateBound }, 2*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/providers/z/nope/bind")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderRoutesWithSlashedModule(t *testing.T) {
	sup, src, h := setup(t)
	src.Add(registration("org/example/music", "svc1", "Gamma"))
	_, err := sup.Refresh(context.Background())
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/providers/org/example/music/svc1")
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.ProviderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "org/example/music", info.Module)
	assert.Equal(t, "svc1", info.EntryPoint)

	c, ok := sup.Get(domain.NewProviderID("org/example/music", "svc1"))
	require.True(t, ok)
	require.Eventually(t, func() bool { return c.State() == domain.StateBound }, 2*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/providers/org/example/music/svc1/unbind")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return c.State() == domain.StateUnbound }, 2*time.Second, 5*time.Millisecond)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"unknown action", http.MethodPost, "/api/providers/org/example/music/svc1/restart", http.StatusNotFound},
		{"action without id", http.MethodPost, "/api/providers/bind", http.StatusNotFound},
		{"id without entry", http.MethodGet, "/api/providers/onlymodule", http.StatusBadRequest},
		{"action on id without entry", http.MethodPost, "/api/providers/onlymodule/bind", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(t, h, tt.method, tt.path).Code)
		})
	}
}

func TestRefreshEndpoint(t *testing.T) {
	_, src, h := setup(t)

	rec := do(t, h, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var res supervisor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Created)

	src.Fail(errors.New("registry offline"))
	rec = do(t, h, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Details, "registry offline")
}

func TestPlaybackEndpoints(t *testing.T) {
	_, _, h := setup(t)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/playback").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/playback/connect").Code)

	sup, _, h := setup(t, supervisor.WithPlayback(domain.Descriptor{Module: "player", EntryPoint: "main", Name: "Playback"}))

	rec := do(t, h, http.MethodPost, "/api/playback/connect")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	pb, ok := sup.Playback()
	require.True(t, ok)
	require.Eventually(t, func() bool { return pb.State() == domain.StateBound }, 2*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/playback")
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.ProviderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, domain.StateBound, info.State)
}

func TestHealthReadiness(t *testing.T) {
	sup, src, _ := setup(t)
	health := NewHealth(sup)

	rec := do(t, health, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := sup.Refresh(context.Background())
	require.NoError(t, err)
	rec = do(t, health, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	src.Fail(errors.New("down"))
	_, _ = sup.Refresh(context.Background())
	rec = do(t, health, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, health, http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareChain(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	mux.HandleFunc("GET /ok", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	h := Chain(mux, Recover(logger), CORS, Logger(logger))

	rec := do(t, h, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "kaboom")

	rec = do(t, h, http.MethodGet, "/ok")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, buf.String(), `"status":418`)

	rec = do(t, h, http.MethodOptions, "/ok")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
