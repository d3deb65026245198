package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer 升级连接后交给 handle 处理，用来模拟各种握手行为。
func fakeServer(t *testing.T, handle func(conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func sendReady(conn *websocket.Conn, uid uint) error {
	env, err := protocol.NewEvent(protocol.EventSessionReady, protocol.SessionReady{ConnID: "c1", UserID: uid, Role: "student"})
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnManager_HandshakeCompletesOnSessionReady(t *testing.T) {
	url, _ := fakeServer(t, func(conn *websocket.Conn) {
		_ = sendReady(conn, 7)
		drainUntilClosed(conn)
	})
	m := NewConnManager(ConnOptions{URL: url, Token: "good"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready, err := m.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(7), ready.UserID)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, uint(7), m.Ready().UserID)

	select {
	case env := <-m.Events():
		assert.Equal(t, protocol.EventSessionReady, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("session.ready not forwarded")
	}

	id, err := m.Request(protocol.EventTypingSet, protocol.TypingRequest{Room: protocol.GradeRoom(1), Typing: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, m.Send(protocol.Envelope{}), ErrNotConnected)
}

func TestConnManager_AuthRejectedIsTerminal(t *testing.T) {
	url, accepted := fakeServer(t, func(conn *websocket.Conn) {})
	m := NewConnManager(ConnOptions{URL: url, Token: "bad"})

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, StateAuthFailed, m.State())

	err = m.Run(context.Background())
	assert.ErrorIs(t, err, ErrAuth, "no retry without new credentials")
	assert.Equal(t, int32(0), accepted.Load())
}

func TestConnManager_HandshakeTimeout(t *testing.T) {
	url, _ := fakeServer(t, func(conn *websocket.Conn) {
		drainUntilClosed(conn)
	})
	m := NewConnManager(ConnOptions{URL: url, Token: "good", HandshakeTimeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnManager_UnexpectedFirstFrame(t *testing.T) {
	url, _ := fakeServer(t, func(conn *websocket.Conn) {
		env, _ := protocol.NewEvent(protocol.EventChatMessage, protocol.ChatMessage{ID: 1})
		_ = conn.WriteJSON(env)
		drainUntilClosed(conn)
	})
	m := NewConnManager(ConnOptions{URL: url, Token: "good"})
	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Contains(t, err.Error(), protocol.EventChatMessage)
}

func TestConnManager_ReconnectsWithBackoff(t *testing.T) {
	url, accepted := fakeServer(t, func(conn *websocket.Conn) {
		// 握手后立即断开，迫使客户端重连
		_ = sendReady(conn, 7)
	})
	m := NewConnManager(ConnOptions{URL: url, Token: "good", BackoffInitial: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	readies := 0
	deadline := time.After(5 * time.Second)
	for readies < 3 {
		select {
		case env := <-m.Events():
			if env.Event == protocol.EventSessionReady {
				readies++
			}
		case <-deadline:
			t.Fatalf("only %d handshakes before deadline", readies)
		}
	}
	assert.GreaterOrEqual(t, accepted.Load(), int32(3))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnManager_SendBeforeConnect(t *testing.T) {
	m := NewConnManager(ConnOptions{URL: "ws://127.0.0.1:1/ws"})
	assert.ErrorIs(t, m.Send(protocol.Envelope{}), ErrNotConnected)
	_, err := m.Request(protocol.EventRoomJoin, protocol.RoomRequest{Room: protocol.GradeRoom(1)})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "disconnected", m.State().String())
}

func TestRemoteError_MapsCodes(t *testing.T) {
	env := protocol.NewError("r1", protocol.EventGradeSend, protocol.CodeForbidden, "not a member")
	err := error(remoteError(env))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, errors.Is(err, ErrInvalidRoom))
	assert.Contains(t, err.Error(), "not a member")

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.EventGradeSend, re.Event)
}
