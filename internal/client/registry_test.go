package client

import (
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_UserRoomAlwaysActive(t *testing.T) {
	r := NewRegistry(4)
	assert.Equal(t, []protocol.RoomKey{protocol.UserRoom(4)}, r.ActiveRooms())
	assert.Nil(t, r.Join(protocol.UserRoom(4)))
	assert.Nil(t, r.Leave(protocol.UserRoom(4)))
	assert.True(t, r.Has(protocol.UserRoom(4)))
}

func TestRegistry_SwitchingTabsLeavesPrevious(t *testing.T) {
	r := NewRegistry(4)
	g1, g2 := protocol.GradeRoom(1), protocol.GradeRoom(2)
	dm := protocol.DirectRoom(4, 9)

	assert.Equal(t, []Intent{{Event: protocol.EventRoomJoin, Room: g1}}, r.Join(g1))
	assert.Equal(t, []Intent{{Event: protocol.EventRoomJoin, Room: dm}}, r.Join(dm), "direct focus is independent of grade focus")
	assert.Equal(t, []Intent{
		{Event: protocol.EventRoomLeave, Room: g1},
		{Event: protocol.EventRoomJoin, Room: g2},
	}, r.Join(g2))

	assert.ElementsMatch(t, []protocol.RoomKey{protocol.UserRoom(4), g2, dm}, r.ActiveRooms())
	assert.False(t, r.Has(g1))
	focus, ok := r.Focus(protocol.KindGrade)
	assert.True(t, ok)
	assert.Equal(t, g2, focus)
}

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry(4)
	g := protocol.GradeRoom(7)
	r.Join(g)
	assert.Empty(t, r.Join(g))

	assert.Len(t, r.Leave(g), 1)
	assert.Empty(t, r.Leave(g))
	assert.Empty(t, r.Leave(protocol.GradeRoom(8)))
	assert.Equal(t, []protocol.RoomKey{protocol.UserRoom(4)}, r.ActiveRooms())
}

func TestRegistry_Rejoin(t *testing.T) {
	r := NewRegistry(4)
	assert.Empty(t, r.Rejoin())

	dm := protocol.DirectRoom(4, 9)
	r.Join(dm)
	r.Join(protocol.GradeRoom(3))
	assert.Equal(t, []Intent{
		{Event: protocol.EventRoomJoin, Room: protocol.GradeRoom(3)},
		{Event: protocol.EventRoomJoin, Room: dm},
	}, r.Rejoin())
}
