package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"classpulse-engagement/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns both connection ends. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestSubscribe_SendsConnectionAck(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	sub := hub.Subscribe(serverConn, "class-1", "teacher-1", "teacher")
	defer hub.Unsubscribe(sub)

	ev := readEvent(t, clientConn)
	assert.Equal(t, EventConnection, ev.Type)
	assert.Equal(t, "class-1", ev.ClassID)
	assert.Equal(t, 1, hub.SubscriberCount("class-1"))
}

func TestPublish_NoSubscribersIsNoOp(t *testing.T) {
	hub := NewHub(zap.NewNop())

	done := make(chan struct{})
	go func() {
		hub.PublishEngagement("empty-class", domain.EngagementUpdate{ParticipantID: "stu-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish to an empty class must complete in bounded time")
	}
}

func TestPublish_DeliversToAllSubscribersInOrder(t *testing.T) {
	hub := NewHub(zap.NewNop())

	var clients []*websocket.Conn
	for i := 0; i < 3; i++ {
		srv, serverConn, clientConn := dialTestWS(t)
		defer srv.Close()
		defer clientConn.Close()
		hub.Subscribe(serverConn, "class-1", "user", "teacher")
		clients = append(clients, clientConn)
	}

	hub.PublishEngagement("class-1", domain.EngagementUpdate{ParticipantID: "stu-1", EngagementPercentage: 10})
	hub.PublishEngagement("class-1", domain.EngagementUpdate{ParticipantID: "stu-1", EngagementPercentage: 20})

	for _, c := range clients {
		ack := readEvent(t, c)
		require.Equal(t, EventConnection, ack.Type)

		first := readEvent(t, c)
		require.Equal(t, EventEngagementUpdate, first.Type)
		second := readEvent(t, c)
		require.Equal(t, EventEngagementUpdate, second.Type)

		// Per-subscriber delivery preserves publish order.
		firstData, _ := json.Marshal(first.Data)
		secondData, _ := json.Marshal(second.Data)
		assert.Contains(t, string(firstData), `"engagement_percentage":10`)
		assert.Contains(t, string(secondData), `"engagement_percentage":20`)
	}
}

func TestPublish_DoesNotLeakAcrossClasses(t *testing.T) {
	hub := NewHub(zap.NewNop())

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()
	hub.Subscribe(serverConn, "class-2", "teacher-2", "teacher")

	hub.PublishEngagement("class-1", domain.EngagementUpdate{ParticipantID: "stu-1"})

	ack := readEvent(t, clientConn)
	require.Equal(t, EventConnection, ack.Type)

	_ = clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err, "subscriber of another class must not receive the event")
}

func TestPublish_FailedSubscriberEvicted(t *testing.T) {
	hub := NewHub(zap.NewNop())

	srvDead, deadServer, deadClient := dialTestWS(t)
	defer srvDead.Close()
	hub.Subscribe(deadServer, "class-1", "dead", "teacher")

	srvLive, liveServer, liveClient := dialTestWS(t)
	defer srvLive.Close()
	defer liveClient.Close()
	hub.Subscribe(liveServer, "class-1", "live", "teacher")

	require.Equal(t, 2, hub.SubscriberCount("class-1"))

	// Kill the first connection outright so its next write fails.
	deadServer.Close()
	deadClient.Close()

	hub.PublishAttendance("class-1", domain.AttendanceStatusEvent{
		ParticipantID: "stu-1",
		Status:        domain.StatusPresent,
	})

	// The live subscriber still receives the event.
	ack := readEvent(t, liveClient)
	require.Equal(t, EventConnection, ack.Type)
	ev := readEvent(t, liveClient)
	assert.Equal(t, EventAttendanceStatus, ev.Type)

	// The dead one deregisters itself before the next publish.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount("class-1") == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dead subscriber not evicted; count = %d", hub.SubscriberCount("class-1"))
}

func TestPublish_ConcurrentWithEvictionNeverPanics(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.sendBuffer = 1

	for round := 0; round < 500; round++ {
		// A subscriber with a pre-filled one-slot buffer forces every publisher
		// down the eviction path at once. No writePump: nothing drains the
		// buffer, so the first trySend fails and the rest race the close.
		sub := &Subscriber{
			send:    make(chan []byte, hub.sendBuffer),
			hub:     hub,
			UserID:  "teacher-1",
			Role:    "teacher",
			ClassID: "class-race",
		}
		sub.send <- []byte("fill")

		hub.mu.Lock()
		hub.classes[sub.ClassID] = map[*Subscriber]bool{sub: true}
		hub.mu.Unlock()

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				hub.PublishEngagement(sub.ClassID, domain.EngagementUpdate{ParticipantID: "stu-1"})
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 0, hub.SubscriberCount(sub.ClassID))
	}
}

func TestUnsubscribe_LastSubscriberDeletesGroup(t *testing.T) {
	hub := NewHub(zap.NewNop())

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	sub := hub.Subscribe(serverConn, "class-1", "teacher-1", "teacher")
	require.Equal(t, 1, hub.SubscriberCount("class-1"))

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount("class-1"))
	assert.Empty(t, hub.ConnectedUsers("class-1"))

	// Double unsubscribe is harmless.
	hub.Unsubscribe(sub)
}

func TestConnectedUsers(t *testing.T) {
	hub := NewHub(zap.NewNop())

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	sub := hub.Subscribe(serverConn, "class-1", "teacher-1", "teacher")
	defer hub.Unsubscribe(sub)

	users := hub.ConnectedUsers("class-1")
	require.Len(t, users, 1)
	assert.Equal(t, "teacher-1", users[0].UserID)
	assert.Equal(t, "teacher", users[0].Role)
	assert.False(t, users[0].ConnectedAt.IsZero())
}
