package client

import (
	"testing"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)} }

func TestTypingTracker_ExplicitStop(t *testing.T) {
	clk := newClock()
	tr := NewTypingTracker(1, 5*time.Second)
	tr.now = clk.now
	g := protocol.GradeRoom(7)

	assert.True(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true}))
	assert.False(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true}), "refresh does not change the set")
	tr.Apply(protocol.TypingState{Room: g, UserID: 3, Typing: true})
	assert.Equal(t, []uint{2, 3}, tr.TypingUsers(g))

	assert.True(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: false}))
	assert.False(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: false}))
	assert.Equal(t, []uint{3}, tr.TypingUsers(g))
	assert.Empty(t, tr.TypingUsers(protocol.GradeRoom(8)))
}

func TestTypingTracker_ExpiresWithoutRefresh(t *testing.T) {
	clk := newClock()
	tr := NewTypingTracker(1, 5*time.Second)
	tr.now = clk.now
	g := protocol.GradeRoom(7)

	tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true})
	clk.advance(4 * time.Second)
	tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true})
	clk.advance(4 * time.Second)
	assert.Equal(t, []uint{2}, tr.TypingUsers(g), "refresh extends the window")

	clk.advance(time.Second)
	assert.Empty(t, tr.TypingUsers(g))
}

func TestTypingTracker_RestartAfterExpiryIsAChange(t *testing.T) {
	clk := newClock()
	tr := NewTypingTracker(1, time.Second)
	tr.now = clk.now
	g := protocol.GradeRoom(7)

	assert.True(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true}))
	assert.False(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true}), "refresh is not a change")

	// 过期后还没被清理就再次开始输入
	clk.advance(2 * time.Second)
	assert.True(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true}))
	assert.Equal(t, []uint{2}, tr.TypingUsers(g))

	clk.advance(2 * time.Second)
	assert.False(t, tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: false}), "stopping an expired entry changes nothing")
	assert.Empty(t, tr.TypingUsers(g))
}

func TestTypingTracker_SweepAndReset(t *testing.T) {
	clk := newClock()
	tr := NewTypingTracker(1, time.Second)
	tr.now = clk.now
	g, dm := protocol.GradeRoom(7), protocol.DirectRoom(1, 2)

	tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true})
	tr.Apply(protocol.TypingState{Room: g, UserID: 3, Typing: true})
	tr.Apply(protocol.TypingState{Room: dm, UserID: 2, Typing: true})
	assert.Empty(t, tr.Sweep())

	clk.advance(2 * time.Second)
	assert.ElementsMatch(t, []protocol.RoomKey{g, dm}, tr.Sweep())
	assert.Empty(t, tr.Sweep())

	tr.Apply(protocol.TypingState{Room: g, UserID: 2, Typing: true})
	tr.Reset()
	assert.Empty(t, tr.TypingUsers(g))
}

func TestTypingTracker_IgnoresSelf(t *testing.T) {
	tr := NewTypingTracker(1, 0)
	assert.False(t, tr.Apply(protocol.TypingState{Room: protocol.GradeRoom(7), UserID: 1, Typing: true}))
	assert.Empty(t, tr.TypingUsers(protocol.GradeRoom(7)))
}

type typingCall struct {
	room   protocol.RoomKey
	typing bool
}

func newRecordingDebouncer(clk *fakeClock) (*TypingDebouncer, *[]typingCall) {
	var calls []typingCall
	d := NewTypingDebouncer(2*time.Second, func(room protocol.RoomKey, typing bool) {
		calls = append(calls, typingCall{room, typing})
	})
	d.now = clk.now
	return d, &calls
}

func TestTypingDebouncer_OneEventPerBurst(t *testing.T) {
	clk := newClock()
	d, calls := newRecordingDebouncer(clk)
	g := protocol.GradeRoom(7)

	for i := 0; i < 10; i++ {
		d.Keystroke(g)
		clk.advance(100 * time.Millisecond)
	}
	assert.Equal(t, []typingCall{{g, true}}, *calls)

	clk.advance(1500 * time.Millisecond)
	d.Keystroke(g)
	assert.Equal(t, []typingCall{{g, true}, {g, true}}, *calls, "refresh after the interval")

	d.Stop()
	d.Stop()
	assert.Equal(t, typingCall{g, false}, (*calls)[2])
	assert.Len(t, *calls, 3)
	assert.False(t, d.Active())
}

func TestTypingDebouncer_IdleTickAndRoomSwitch(t *testing.T) {
	clk := newClock()
	d, calls := newRecordingDebouncer(clk)
	g, dm := protocol.GradeRoom(7), protocol.DirectRoom(1, 2)

	d.Keystroke(g)
	clk.advance(time.Second)
	d.Tick()
	assert.True(t, d.Active())

	d.Keystroke(dm)
	assert.Equal(t, []typingCall{{g, true}, {g, false}, {dm, true}}, *calls)

	clk.advance(2 * time.Second)
	d.Tick()
	assert.Equal(t, typingCall{dm, false}, (*calls)[3])
	assert.False(t, d.Active())
}
