package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

func testClient(userID uint, queue int) *Client {
	return newClient(nil, auth.Identity{UserID: userID, Username: "user", Role: "student"}, queue, nil)
}

func drain(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var env protocol.Envelope
			if err := json.Unmarshal(b, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func mustEvent(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEvent(event, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	return env
}

func TestHub_Online_EmptyRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online(protocol.GradeRoom(1)); online != 0 {
		t.Errorf("Online() for empty room = %d, want 0", online)
	}
}

func TestHub_RegisterJoinsUserRoom(t *testing.T) {
	hub := NewHub()
	c := testClient(7, 8)
	hub.Register(c)

	if !hub.InRoom(c, protocol.UserRoom(7)) {
		t.Error("registered client is not in its user room")
	}
	if hub.Leave(c, protocol.UserRoom(7)) {
		t.Error("Leave(user room) = true, want false")
	}
	if !hub.HasUser(protocol.UserRoom(7), 7) {
		t.Error("HasUser(user:7, 7) = false, want true")
	}
}

func TestHub_RegisterGreetingPrecedesFanOut(t *testing.T) {
	hub := NewHub()
	c := testClient(7, 8)
	ready := mustEvent(t, protocol.EventSessionReady)
	msg := mustEvent(t, protocol.EventChatMessage)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			hub.Publish(msg, protocol.UserRoom(7))
		}
	}()
	hub.Register(c, ready)
	wg.Wait()
	hub.Publish(mustEvent(t, protocol.EventTicketNotification), protocol.UserRoom(7))

	got := drain(c)
	if len(got) < 2 {
		t.Fatalf("received %d frames, want at least 2", len(got))
	}
	if got[0].Event != protocol.EventSessionReady {
		t.Errorf("first frame = %q, want %q", got[0].Event, protocol.EventSessionReady)
	}
	if last := got[len(got)-1]; last.Event != protocol.EventTicketNotification {
		t.Errorf("last frame = %q, want %q", last.Event, protocol.EventTicketNotification)
	}
}

func TestHub_JoinExclusivePerKind(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 8)
	hub.Register(c)

	g1, g2 := protocol.GradeRoom(1), protocol.GradeRoom(2)
	dm := protocol.DirectRoom(1, 2)

	if prev, joined := hub.Join(c, g1); !joined || prev != "" {
		t.Fatalf("Join(g1) = (%q, %v), want (\"\", true)", prev, joined)
	}
	if _, joined := hub.Join(c, g1); joined {
		t.Error("second Join(g1) = true, want idempotent false")
	}
	if _, joined := hub.Join(c, dm); !joined {
		t.Error("Join(direct) = false, want true")
	}
	prev, joined := hub.Join(c, g2)
	if !joined || prev != g1 {
		t.Errorf("Join(g2) = (%q, %v), want (%q, true)", prev, joined, g1)
	}
	if hub.InRoom(c, g1) {
		t.Error("client still in g1 after switching grade")
	}
	if !hub.InRoom(c, dm) {
		t.Error("switching grade must not leave the direct room")
	}
	if got := len(hub.Rooms(c)); got != 3 {
		t.Errorf("Rooms() len = %d, want 3 (user, grade, direct)", got)
	}
	if hub.Online(g1) != 0 || hub.Online(g2) != 1 {
		t.Errorf("Online(g1)=%d Online(g2)=%d, want 0 and 1", hub.Online(g1), hub.Online(g2))
	}
	if hub.Leave(c, g1) {
		t.Error("Leave(not joined) = true, want false")
	}
}

func TestHub_PublishUnionDedup(t *testing.T) {
	hub := NewHub()
	a, b, other := testClient(1, 8), testClient(2, 8), testClient(3, 8)
	for _, c := range []*Client{a, b, other} {
		hub.Register(c)
	}
	dm := protocol.DirectRoom(1, 2)
	hub.Join(a, dm)
	drain(a)

	// a is in both dm and user:1 but receives the frame once.
	n := hub.Publish(mustEvent(t, "x"), dm, protocol.UserRoom(1), protocol.UserRoom(2))
	if n != 2 {
		t.Errorf("Publish() = %d, want 2", n)
	}
	if got := len(drain(a)); got != 1 {
		t.Errorf("a received %d frames, want 1", got)
	}
	if got := len(drain(b)); got != 1 {
		t.Errorf("b received %d frames, want 1", got)
	}
	if got := len(drain(other)); got != 0 {
		t.Errorf("unrelated client received %d frames, want 0", got)
	}
}

func TestHub_PublishExcept(t *testing.T) {
	hub := NewHub()
	a, b := testClient(1, 8), testClient(2, 8)
	hub.Register(a)
	hub.Register(b)
	g := protocol.GradeRoom(3)
	hub.Join(a, g)
	hub.Join(b, g)

	if n := hub.PublishExcept(mustEvent(t, "typing"), a, g); n != 1 {
		t.Errorf("PublishExcept() = %d, want 1", n)
	}
	if len(drain(a)) != 0 {
		t.Error("skipped client received the frame")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub()
	slow := testClient(1, 1)
	hub.Register(slow)

	hub.Publish(mustEvent(t, "one"), protocol.UserRoom(1))
	hub.Publish(mustEvent(t, "two"), protocol.UserRoom(1))

	if hub.HasUser(protocol.UserRoom(1), 1) {
		t.Error("slow client still registered after queue overflow")
	}
	if _, ok := <-slow.send; !ok {
		t.Fatal("expected the first queued frame before close")
	}
	if _, ok := <-slow.send; ok {
		t.Error("send queue not closed after drop")
	}
	if hub.Send(slow, mustEvent(t, "three")) {
		t.Error("Send() to dropped client = true, want false")
	}
}

func TestHub_UnregisterIdempotent(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 4)
	hub.Register(c)
	hub.Join(c, protocol.GradeRoom(1))

	left := hub.Unregister(c)
	if len(left) != 2 {
		t.Errorf("Unregister() left %d rooms, want 2", len(left))
	}
	if again := hub.Unregister(c); again != nil {
		t.Errorf("second Unregister() = %v, want nil", again)
	}
	if hub.Online(protocol.GradeRoom(1)) != 0 {
		t.Error("room still has members after unregister")
	}
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	room := protocol.GradeRoom(1)
	numClients := 10
	env := mustEvent(t, "x")

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := testClient(uint(id+1), 256)
			hub.Register(c)
			hub.Join(c, room)
			hub.Publish(env, room)
		}(i)
	}
	wg.Wait()

	if hub.Online(room) != numClients {
		t.Errorf("Online() after concurrent join = %d, want %d", hub.Online(room), numClients)
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 4)
	hub.Register(c)
	hub.Close()

	if _, ok := <-c.send; ok {
		t.Error("send queue still open after Close()")
	}
	if hub.Online(protocol.UserRoom(1)) != 0 {
		t.Error("user room not emptied by Close()")
	}
}
