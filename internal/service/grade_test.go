package service

import (
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticOnline map[protocol.RoomKey]int

func (s staticOnline) Online(room protocol.RoomKey) int { return s[room] }

func TestGradeService(t *testing.T) {
	gdb := newTestDB(t)
	s := NewGradeService(gdb, staticOnline{protocol.GradeRoom(1): 3})

	admin := createUser(t, gdb, "admin", models.RoleAdmin)
	alice := createUser(t, gdb, "alice", models.RoleStudent)

	g7, err := s.Create("Grade 7")
	require.NoError(t, err)
	assert.Equal(t, protocol.GradeRoom(g7.ID), g7.Room)
	g8, err := s.Create("Grade 8")
	require.NoError(t, err)

	require.NoError(t, s.AddMember(g7.ID, alice.UserID))
	require.NoError(t, s.AddMember(g7.ID, alice.UserID), "adding twice is a no-op")
	assert.ErrorIs(t, s.AddMember(999, alice.UserID), ErrGradeNotFound)
	assert.ErrorIs(t, s.AddMember(g8.ID, 999), ErrUserNotFound)

	ids, err := s.MemberIDs(g7.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{alice.UserID}, ids)

	mine, err := s.ListFor(alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Grade 7", mine[0].Name)
	assert.Equal(t, 3, mine[0].Online)

	all, err := s.ListFor(admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
