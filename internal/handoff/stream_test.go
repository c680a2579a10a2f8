package handoff

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

func TestStreamDropsSlowSubscriber(t *testing.T) {
	s := NewStream(logging.Discard())
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for i := 0; i < streamBuffer+1; i++ {
		s.Publish(StreamEvent{Type: StreamRemoved, ContactID: "c"})
	}
	assert.Equal(t, 0, s.Subscribers())

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, streamBuffer, n)
}

func TestStreamServesWebsocket(t *testing.T) {
	s := NewStream(logging.Discard())
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	s.Publish(StreamEvent{Type: StreamStateChanged, ContactID: "+15550000001", From: "analyzed", To: "ready_for_human"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got StreamEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, StreamStateChanged, got.Type)
	assert.Equal(t, "ready_for_human", got.To)
	assert.False(t, got.At.IsZero())
}
