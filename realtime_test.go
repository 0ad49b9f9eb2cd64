package feedsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake realtime server
// ============================================================================

type fakeRealtime struct {
	joinStatus string

	mu         sync.Mutex
	joins      []map[string]any
	query      map[string]string
	heartbeats int
	conns      chan *websocket.Conn
}

func newFakeRealtime(t *testing.T, joinStatus string) (*fakeRealtime, *httptest.Server) {
	f := &fakeRealtime{joinStatus: joinStatus, conns: make(chan *websocket.Conn, 4)}
	r := mux.NewRouter()
	r.HandleFunc("/realtime/v1/websocket", f.serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRealtime) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	f.mu.Lock()
	f.query = map[string]string{
		"apikey": r.URL.Query().Get("apikey"),
		"vsn":    r.URL.Query().Get("vsn"),
	}
	f.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg PhoenixMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Event {
		case eventJoin:
			var payload map[string]any
			_ = json.Unmarshal(msg.Payload, &payload)
			payload["topic"] = msg.Topic
			f.mu.Lock()
			f.joins = append(f.joins, payload)
			f.mu.Unlock()

			reply(ctx, conn, msg, f.joinStatus)
			if f.joinStatus == "ok" {
				f.conns <- conn
			}
		case eventHeartbeat:
			f.mu.Lock()
			f.heartbeats++
			f.mu.Unlock()
			reply(ctx, conn, msg, "ok")
		}
	}
}

func (f *fakeRealtime) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func reply(ctx context.Context, conn *websocket.Conn, to PhoenixMessage, status string) {
	payload, _ := json.Marshal(PhoenixReply{Status: status, Response: json.RawMessage(`{}`)})
	_ = writeMessage(ctx, conn, PhoenixMessage{Topic: to.Topic, Event: eventReply, Payload: payload, Ref: to.Ref})
}

func pushChange(t *testing.T, conn *websocket.Conn, change PostChange) {
	t.Helper()
	payload, err := json.Marshal(changesPayload{Data: change})
	require.NoError(t, err)
	require.NoError(t, writeMessage(context.Background(), conn, PhoenixMessage{
		Topic:   "realtime:public:posts",
		Event:   eventChanges,
		Payload: payload,
	}))
}

func waitConn(t *testing.T, f *fakeRealtime) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a join")
		return nil
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeClient_JoinAndChanges(t *testing.T) {
	f, srv := newFakeRealtime(t, "ok")
	client := NewClient(testAnonKey, WithBaseURL(srv.URL), WithAccessToken("session-token"))
	rt := NewRealtimeClient(client, nil)

	inserted := make(chan Post, 1)
	deleted := make(chan string, 1)
	rt.OnPostInserted(func(p Post) { inserted <- p })
	rt.OnPostDeleted(func(id string) { deleted <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	assert.Equal(t, StateConnected, rt.State())

	conn := waitConn(t, f)

	f.mu.Lock()
	require.Len(t, f.joins, 1)
	assert.Equal(t, "realtime:public:posts", f.joins[0]["topic"])
	assert.Equal(t, "session-token", f.joins[0]["access_token"])
	assert.Equal(t, testAnonKey, f.query["apikey"])
	assert.Equal(t, "1.0.0", f.query["vsn"])
	f.mu.Unlock()

	pushChange(t, conn, PostChange{
		Type:   "INSERT",
		Schema: "public",
		Table:  "posts",
		Record: json.RawMessage(`{"id":"p-1","content":"pushed","author_email":"bob@example.com","user_id":"user-2","created_at":"2026-10-19T10:00:00Z"}`),
	})
	select {
	case p := <-inserted:
		assert.Equal(t, "p-1", p.ID)
		assert.Equal(t, "pushed", p.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("insert not delivered")
	}

	pushChange(t, conn, PostChange{Type: "DELETE", Schema: "public", Table: "posts", OldRecord: json.RawMessage(`{"id":"p-1"}`)})
	select {
	case id := <-deleted:
		assert.Equal(t, "p-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("delete not delivered")
	}
}

func TestRealtimeClient_JoinRejected(t *testing.T) {
	_, srv := newFakeRealtime(t, "error")
	rt := NewRealtimeClient(NewClient(testAnonKey, WithBaseURL(srv.URL)), nil)

	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "rejected")
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestRealtimeClient_Heartbeat(t *testing.T) {
	f, srv := newFakeRealtime(t, "ok")
	rt := NewRealtimeClient(NewClient(testAnonKey, WithBaseURL(srv.URL)), &RealtimeConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	assert.Eventually(t, func() bool { return f.heartbeatCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, rt.State())
}

func TestRealtimeSignal_FollowsConnection(t *testing.T) {
	f, srv := newFakeRealtime(t, "ok")
	rt := NewRealtimeClient(NewClient(testAnonKey, WithBaseURL(srv.URL)), nil)
	signal := NewRealtimeSignal(rt)
	assert.False(t, signal.Online())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	assert.Eventually(t, signal.Online, 2*time.Second, 10*time.Millisecond)

	conn := waitConn(t, f)
	conn.Close(websocket.StatusGoingAway, "server restart")
	assert.Eventually(t, func() bool { return !signal.Online() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestRealtimeSignal_SettlesOnFinalStateAfterFlapping(t *testing.T) {
	for _, final := range []RealtimeState{StateConnected, StateDisconnected} {
		t.Run(string(final), func(t *testing.T) {
			rt := NewRealtimeClient(NewClient(testAnonKey), nil)
			signal := NewRealtimeSignal(rt)

			for range 50 {
				rt.setState(StateDisconnected)
				rt.dispatcher.emitDisconnected("socket closed")
				rt.setState(StateConnected)
				rt.dispatcher.emitConnected()
			}
			if final == StateDisconnected {
				rt.setState(StateDisconnected)
				rt.dispatcher.emitDisconnected("socket closed")
			}

			want := final == StateConnected
			assert.Eventually(t, func() bool { return signal.Online() == want }, 2*time.Second, 5*time.Millisecond)
			assert.Never(t, func() bool { return signal.Online() != want }, 100*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestRealtimeClient_Reconnects(t *testing.T) {
	f, srv := newFakeRealtime(t, "ok")
	rt := NewRealtimeClient(NewClient(testAnonKey, WithBaseURL(srv.URL)), &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	reconnecting := make(chan int, 4)
	rt.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	waitConn(t, f).Close(websocket.StatusGoingAway, "server restart")

	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt")
	}
	waitConn(t, f)
	assert.Eventually(t, func() bool { return rt.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineManager_AttachRealtime(t *testing.T) {
	f, srv := newFakeRealtime(t, "ok")
	rt := NewRealtimeClient(NewClient(testAnonKey, WithBaseURL(srv.URL)), nil)

	fx := newFixture(t)
	fx.cache.Set(0, []Post{postA})
	fx.manager.AttachRealtime(rt)
	changed := make(chan any, 1)
	fx.manager.On("feed.changed", func(_ string, payload any) { changed <- payload })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()

	pushChange(t, waitConn(t, f), PostChange{
		Type:   "INSERT",
		Record: json.RawMessage(`{"id":"p-9","content":"elsewhere","author_email":"bob@example.com","user_id":"user-2","created_at":"2026-10-19T10:00:00Z"}`),
	})

	select {
	case payload := <-changed:
		assert.Equal(t, map[string]any{"inserted": "p-9"}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("feed.changed not emitted")
	}
	_, fresh, ok := fx.cache.Get(0)
	assert.True(t, ok)
	assert.False(t, fresh)
}
