package service

import (
	"sync"
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/db"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type published struct {
	env   protocol.Envelope
	rooms []protocol.RoomKey
}

// fakePublisher records fan-out calls; present marks users as viewing a room.
type fakePublisher struct {
	mu      sync.Mutex
	calls   []published
	present map[protocol.RoomKey]map[uint]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{present: make(map[protocol.RoomKey]map[uint]bool)}
}

func (p *fakePublisher) Publish(env protocol.Envelope, rooms ...protocol.RoomKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{env: env, rooms: rooms})
	return len(rooms)
}

func (p *fakePublisher) HasUser(room protocol.RoomKey, userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[room][userID]
}

func (p *fakePublisher) viewing(room protocol.RoomKey, userID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.present[room] == nil {
		p.present[room] = make(map[uint]bool)
	}
	p.present[room][userID] = true
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func createUser(t *testing.T, gdb *gorm.DB, name, role string) auth.Identity {
	t.Helper()
	u := models.User{Username: name, PasswordHash: "x", Role: role}
	require.NoError(t, gdb.Create(&u).Error)
	return auth.Identity{UserID: u.ID, Username: u.Username, Role: u.Role}
}

func createGrade(t *testing.T, gdb *gorm.DB, name string, members ...auth.Identity) uint {
	t.Helper()
	g := models.Grade{Name: name}
	require.NoError(t, gdb.Create(&g).Error)
	for _, m := range members {
		require.NoError(t, gdb.Create(&models.GradeMember{GradeID: g.ID, UserID: m.UserID}).Error)
	}
	return g.ID
}
