package service

import (
	"errors"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"gorm.io/gorm"
)

// MessageService 负责消息的持久化与历史查询。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// roomOf 根据消息类型推导所属房间。
func roomOf(m models.Message) protocol.RoomKey {
	if m.Type == models.MessageUnicast {
		return protocol.DirectRoom(m.SenderID, m.RecipientID)
	}
	return protocol.GradeRoom(m.GradeID)
}

func toChatMessage(m models.Message, senderName string) protocol.ChatMessage {
	out := protocol.ChatMessage{
		ID:          m.ID,
		Room:        roomOf(m),
		Type:        m.Type,
		SenderID:    m.SenderID,
		SenderName:  senderName,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	}
	if m.ClientKey != nil {
		out.ClientKey = *m.ClientKey
	}
	return out
}

// Create 持久化一条消息。带 client key 的重复发送返回已存在的记录，created 为 false。
func (s *MessageService) Create(sender auth.Identity, msg models.Message) (protocol.ChatMessage, bool, error) {
	msg.SenderID = sender.UserID
	if msg.Type == models.MessageUnicast {
		msg.DirectKey = string(protocol.DirectRoom(msg.SenderID, msg.RecipientID))
	}
	if msg.ClientKey != nil && *msg.ClientKey == "" {
		msg.ClientKey = nil
	}
	if msg.ClientKey != nil {
		if existing, err := s.findByClientKey(sender.UserID, *msg.ClientKey); err == nil {
			return toChatMessage(*existing, sender.Username), false, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.ChatMessage{}, false, err
		}
	}
	if err := s.db.Create(&msg).Error; err != nil {
		// 并发重试撞上唯一索引时，以先写入的记录为准
		if msg.ClientKey != nil {
			if existing, ferr := s.findByClientKey(sender.UserID, *msg.ClientKey); ferr == nil {
				return toChatMessage(*existing, sender.Username), false, nil
			}
		}
		return protocol.ChatMessage{}, false, err
	}
	return toChatMessage(msg, sender.Username), true, nil
}

func (s *MessageService) findByClientKey(senderID uint, key string) (*models.Message, error) {
	var m models.Message
	if err := s.db.Where("sender_id = ? AND client_key = ?", senderID, key).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListGrade 分页查询年级房间消息，按 id 升序返回。
func (s *MessageService) ListGrade(gradeID uint, limit int, beforeID uint) ([]protocol.ChatMessage, error) {
	q := s.db.Where("type = ? AND grade_id = ?", models.MessageGrade, gradeID)
	return s.list(q, limit, beforeID)
}

// ListDirect 分页查询两人之间的私聊消息，按 id 升序返回。
func (s *MessageService) ListDirect(a, b uint, limit int, beforeID uint) ([]protocol.ChatMessage, error) {
	q := s.db.Where("type = ? AND direct_key = ?", models.MessageUnicast, string(protocol.DirectRoom(a, b)))
	return s.list(q, limit, beforeID)
}

func (s *MessageService) list(q *gorm.DB, limit int, beforeID uint) ([]protocol.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatMessage(m, usernames[m.SenderID]))
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
