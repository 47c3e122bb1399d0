package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piso.network/provisiond/internal/events"
)

func TestEventStreamDeliversSegmentEvents(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.client.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the handler a moment to register its hub subscription.
	time.Sleep(100 * time.Millisecond)
	ts.hub.EmitSegment(events.EventSegmentApplied, "op-1", "vlan", "eth0.10", "", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e struct {
		Type string `json:"type"`
		Data struct {
			Kind string `json:"kind"`
			Key  string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, string(events.EventSegmentApplied), e.Type)
	assert.Equal(t, "eth0.10", e.Data.Key)
}

func TestEventStreamRejectsCrossOrigin(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.client.URL, "http") + "/v1/events"
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}
}
