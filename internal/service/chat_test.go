package service

import (
	"context"
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type chatFixture struct {
	gdb    *gorm.DB
	pub    *fakePublisher
	unread UnreadStore
	chat   *ChatService
	msgs   *MessageService
}

func newChatFixture(t *testing.T) *chatFixture {
	gdb := newTestDB(t)
	pub := newFakePublisher()
	unread := NewMemoryUnreadStore()
	msgs := NewMessageService(gdb)
	chat := NewChatService(NewAccess(gdb), msgs, NewGradeService(gdb, nil), unread, pub)
	return &chatFixture{gdb: gdb, pub: pub, unread: unread, chat: chat, msgs: msgs}
}

func TestChat_SendGrade_FanOutAndUnread(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	teacher := createUser(t, f.gdb, "teacher", models.RoleTeacher)
	alice := createUser(t, f.gdb, "alice", models.RoleStudent)
	bob := createUser(t, f.gdb, "bob", models.RoleStudent)
	g7 := createGrade(t, f.gdb, "Grade 7", teacher, alice, bob)
	room := protocol.GradeRoom(g7)

	// alice has the grade chat open, bob does not.
	f.pub.viewing(room, alice.UserID)

	msg, err := f.chat.SendGrade(ctx, teacher, protocol.GradeSendRequest{GradeID: g7, Content: "Homework due Friday"})
	require.NoError(t, err)
	assert.Equal(t, room, msg.Room)
	assert.Equal(t, "teacher", msg.SenderName)
	assert.NotZero(t, msg.ID)

	calls := f.pub.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []protocol.RoomKey{room}, calls[0].rooms)
	assert.Equal(t, protocol.EventChatMessage, calls[0].env.Event)

	aliceUnread, _ := f.unread.Snapshot(ctx, alice.UserID)
	bobUnread, _ := f.unread.Snapshot(ctx, bob.UserID)
	teacherUnread, _ := f.unread.Snapshot(ctx, teacher.UserID)
	assert.Zero(t, aliceUnread[room])
	assert.Equal(t, 1, bobUnread[room])
	assert.Zero(t, teacherUnread[room], "sender never accrues unread")
}

func TestChat_SendGrade_Rejections(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	alice := createUser(t, f.gdb, "alice", models.RoleStudent)
	outsider := createUser(t, f.gdb, "outsider", models.RoleStudent)
	g := createGrade(t, f.gdb, "Grade 2", alice)

	_, err := f.chat.SendGrade(ctx, outsider, protocol.GradeSendRequest{GradeID: g, Content: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.chat.SendGrade(ctx, alice, protocol.GradeSendRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRoom)

	_, err = f.chat.SendGrade(ctx, alice, protocol.GradeSendRequest{GradeID: g})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload)

	assert.Empty(t, f.pub.snapshot())
}

func TestChat_PersistFailureSuppressesFanOut(t *testing.T) {
	f := newChatFixture(t)
	alice := createUser(t, f.gdb, "alice", models.RoleStudent)
	g := createGrade(t, f.gdb, "Grade 3", alice)
	require.NoError(t, f.gdb.Migrator().DropTable(&models.Message{}))

	_, err := f.chat.SendGrade(context.Background(), alice, protocol.GradeSendRequest{GradeID: g, Content: "lost"})
	require.Error(t, err)
	assert.Empty(t, f.pub.snapshot(), "no phantom delivery without persistence")
}

func TestChat_RetriedSendIsNotDuplicated(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	teacher := createUser(t, f.gdb, "teacher", models.RoleTeacher)
	carol := createUser(t, f.gdb, "carol", models.RoleStudent)

	req := protocol.DirectSendRequest{RecipientID: carol.UserID, Content: "See me after class", ClientKey: "tmp-1"}
	first, err := f.chat.SendDirect(ctx, teacher, req)
	require.NoError(t, err)
	second, err := f.chat.SendDirect(ctx, teacher, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "tmp-1", second.ClientKey)

	history, err := f.msgs.ListDirect(teacher.UserID, carol.UserID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Both attempts fan out; the client de-duplicates by id.
	assert.Len(t, f.pub.snapshot(), 2)

	snap, _ := f.unread.Snapshot(ctx, carol.UserID)
	assert.Equal(t, 1, snap[protocol.DirectRoom(teacher.UserID, carol.UserID)])
}

func TestChat_SendDirect_FanOutRooms(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	teacher := createUser(t, f.gdb, "teacher", models.RoleTeacher)
	carol := createUser(t, f.gdb, "carol", models.RoleStudent)
	dave := createUser(t, f.gdb, "dave", models.RoleStudent)

	msg, err := f.chat.SendDirect(ctx, carol, protocol.DirectSendRequest{RecipientID: teacher.UserID, Content: "question"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageUnicast, msg.Type)
	assert.Equal(t, teacher.UserID, msg.RecipientID)

	calls := f.pub.snapshot()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []protocol.RoomKey{
		protocol.DirectRoom(carol.UserID, teacher.UserID),
		protocol.UserRoom(carol.UserID),
		protocol.UserRoom(teacher.UserID),
	}, calls[0].rooms)
	for _, r := range calls[0].rooms {
		assert.NotEqual(t, protocol.UserRoom(dave.UserID), r)
	}

	_, err = f.chat.SendDirect(ctx, carol, protocol.DirectSendRequest{RecipientID: dave.UserID, Content: "psst"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestChat_MarkRead(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	room := protocol.GradeRoom(1)
	require.NoError(t, f.unread.Incr(ctx, 5, room))
	require.NoError(t, f.unread.Incr(ctx, 5, protocol.GradeRoom(2)))

	require.NoError(t, f.chat.MarkRead(ctx, 5, room))
	snap, err := f.chat.Unread(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.RoomKey]int{protocol.GradeRoom(2): 1}, snap)
}
