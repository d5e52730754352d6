package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/pulse/execute"
	"github.com/teranos/herald/pulse/schedule"
)

func dialHub(t *testing.T, hub *Hub, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t).Sugar())
	conn, _, err := dialHub(t, hub, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(execute.Event{
		Type:       execute.EventFinished,
		JobID:      "SJ_1",
		WorkflowID: "wf-sale",
		Status:     schedule.StatusCompleted,
		Time:       time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got execute.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, execute.EventFinished, got.Type)
	assert.Equal(t, "SJ_1", got.JobID)
	assert.Equal(t, schedule.StatusCompleted, got.Status)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t).Sugar())
	conn, _, err := dialHub(t, hub, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting with nobody listening is a no-op
	assert.Equal(t, 0, hub.broadcastMessage("ping"))
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t).Sugar())
	conn, _, err := dialHub(t, hub, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "closed hub disconnects clients")
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost"}, zaptest.NewLogger(t).Sugar())

	_, resp, err := dialHub(t, hub, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost", "https://ops.example.com:8443"}, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://LOCALHOST", true},
		{"https://ops.example.com", true},
		{"http://ops.example.com", false},
		{"https://localhost", false},
		{"http://evil.example", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, hub.checkOrigin(req))
		})
	}

	wildcard := NewHub([]string{"*"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://anything.example")
	assert.True(t, wildcard.checkOrigin(req))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&schedule.IllegalTransitionError{JobID: "SJ_1"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&schedule.StoreError{Op: "get", Err: assert.AnError}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
