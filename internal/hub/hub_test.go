package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginlookup/internal/connection"
	"pluginlookup/internal/domain"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv
}

func subscribe(t *testing.T, h *Hub, url string) *bufio.Reader {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return bufio.NewReader(resp.Body)
}

// nextEvent skips comments and returns the next event's name and data
func nextEvent(t *testing.T, r *bufio.Reader) (string, []byte) {
	t.Helper()
	var name string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return name, []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	h, srv := startHub(t)
	r := subscribe(t, h, srv.URL)

	h.Broadcast(domain.NewEvent(domain.EventProvidersRefreshed, map[string]int{"created": 2}))

	name, data := nextEvent(t, r)
	assert.Equal(t, string(domain.EventProvidersRefreshed), name)

	var got struct {
		Type    domain.EventType `json:"type"`
		Payload map[string]int   `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.EventProvidersRefreshed, got.Type)
	assert.Equal(t, 2, got.Payload["created"])
}

type stubEndpoint struct{ done chan struct{} }

func (e *stubEndpoint) Done() <-chan struct{} { return e.done }
func (e *stubEndpoint) Close() error          { return nil }

func TestHandleEventsAreStreamed(t *testing.T) {
	h, srv := startHub(t)
	r := subscribe(t, h, srv.URL)

	conn := connection.ConnectorFunc(func(context.Context, domain.ProviderID) (connection.Endpoint, error) {
		return &stubEndpoint{done: make(chan struct{})}, nil
	})
	handle := connection.New(domain.Descriptor{Module: "a", EntryPoint: "svc1", Name: "Alpha"}, conn,
		connection.WithListener(h))
	handle.Bind()

	name, data := nextEvent(t, r)
	assert.Equal(t, string(domain.EventProviderConnected), name)

	var got struct {
		Payload domain.ProviderInfo `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a/svc1", got.Payload.ID)
	assert.Equal(t, domain.StateBound, got.Payload.State)

	<-handle.Unbind()
	name, _ = nextEvent(t, r)
	assert.Equal(t, string(domain.EventProviderDisconnected), name)
}

func TestClientUnregistersOnDisconnect(t *testing.T) {
	h, srv := startHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
