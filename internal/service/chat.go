package service

import (
	"context"
	"fmt"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/metrics"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Publisher 由 ws.Hub 实现：把一帧推送给若干房间的全部会话（同一会话只收一次）。
type Publisher interface {
	Publish(env protocol.Envelope, rooms ...protocol.RoomKey) int
	// HasUser 判断该用户是否有会话正停留在房间内。
	HasUser(room protocol.RoomKey, userID uint) bool
}

// ChatService 是消息发送的服务端路由：鉴权、持久化、扇出、未读记账。
// ws 与 REST 两条发送路径共用它，因此扇出规则只有一份。
type ChatService struct {
	access *Access
	msgs   *MessageService
	grades *GradeService
	unread UnreadStore
	pub    Publisher
}

func NewChatService(access *Access, msgs *MessageService, grades *GradeService, unread UnreadStore, pub Publisher) *ChatService {
	return &ChatService{access: access, msgs: msgs, grades: grades, unread: unread, pub: pub}
}

func strPtr(s string) *string { return &s }

// SendGrade 向年级房间发送消息，扇出范围恰好是该年级房间的成员会话。
func (s *ChatService) SendGrade(ctx context.Context, sender auth.Identity, req protocol.GradeSendRequest) (protocol.ChatMessage, error) {
	if err := s.access.AuthorizeGrade(sender, req.GradeID); err != nil {
		return protocol.ChatMessage{}, err
	}
	if err := protocol.Validate(req); err != nil {
		return protocol.ChatMessage{}, err
	}
	msg, created, err := s.msgs.Create(sender, models.Message{
		Type:      models.MessageGrade,
		GradeID:   req.GradeID,
		Content:   req.Content,
		ClientKey: strPtr(req.ClientKey),
	})
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("persist grade message: %w", err)
	}
	s.fanOut(msg, msg.Room)
	if created {
		members, err := s.grades.MemberIDs(req.GradeID)
		if err != nil {
			log.Error().Err(err).Uint("grade_id", req.GradeID).Msg("load grade members for unread")
		}
		s.markUnread(ctx, msg.Room, sender.UserID, members...)
	}
	return msg, nil
}

// SendDirect 发送私聊。扇出到双方的个人通知房间以及私聊房间，收件人即使没打开会话也能收到。
func (s *ChatService) SendDirect(ctx context.Context, sender auth.Identity, req protocol.DirectSendRequest) (protocol.ChatMessage, error) {
	peer, err := s.access.AuthorizeDirect(sender, req.RecipientID)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if err := protocol.Validate(req); err != nil {
		return protocol.ChatMessage{}, err
	}
	msg, created, err := s.msgs.Create(sender, models.Message{
		Type:        models.MessageUnicast,
		RecipientID: peer.ID,
		Content:     req.Content,
		ClientKey:   strPtr(req.ClientKey),
	})
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("persist direct message: %w", err)
	}
	s.fanOut(msg, msg.Room, protocol.UserRoom(sender.UserID), protocol.UserRoom(peer.ID))
	if created {
		s.markUnread(ctx, msg.Room, sender.UserID, peer.ID)
	}
	return msg, nil
}

func (s *ChatService) fanOut(msg protocol.ChatMessage, rooms ...protocol.RoomKey) {
	env, err := protocol.NewEvent(protocol.EventChatMessage, msg)
	if err != nil {
		log.Error().Err(err).Uint("message_id", msg.ID).Msg("encode chat message")
		return
	}
	n := s.pub.Publish(env, rooms...)
	metrics.WsMessagesTotal.WithLabelValues(msg.Type).Inc()
	log.Debug().Uint("message_id", msg.ID).Str("room", msg.Room.String()).Int("sessions", n).Msg("fan-out")
}

// markUnread 为没有停留在房间内的收件人累加未读数。未读只是提示，失败仅记录日志。
func (s *ChatService) markUnread(ctx context.Context, room protocol.RoomKey, senderID uint, recipients ...uint) {
	for _, uid := range recipients {
		if uid == senderID || s.pub.HasUser(room, uid) {
			continue
		}
		if err := s.unread.Incr(ctx, uid, room); err != nil {
			log.Warn().Err(err).Uint("user_id", uid).Str("room", room.String()).Msg("unread incr")
		}
	}
}

// Authorize 校验会话能否加入房间。
func (s *ChatService) Authorize(id auth.Identity, room protocol.RoomKey) error {
	return s.access.AuthorizeRoom(id, room)
}

// MarkRead 房间成为当前视图时清零服务端未读。
func (s *ChatService) MarkRead(ctx context.Context, userID uint, room protocol.RoomKey) error {
	return s.unread.Clear(ctx, userID, room)
}

// Unread 返回用户的未读快照。
func (s *ChatService) Unread(ctx context.Context, userID uint) (map[protocol.RoomKey]int, error) {
	return s.unread.Snapshot(ctx, userID)
}
