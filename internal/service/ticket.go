package service

import (
	"context"
	"errors"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/metrics"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TicketService 封装工单（答疑）及其通知推送。
// 每次变更在同一事务内写入工单与通知记录，提交成功后才推送到目标用户的个人房间。
// 每条推送的通知同时计入目标用户个人房间的服务端未读，unread 为空时不计数。
type TicketService struct {
	db     *gorm.DB
	pub    Publisher
	unread UnreadStore
}

func NewTicketService(db *gorm.DB, pub Publisher, unread UnreadStore) *TicketService {
	return &TicketService{db: db, pub: pub, unread: unread}
}

// ResponseDTO 是工单回复。
type ResponseDTO struct {
	ID        uint      `json:"id"`
	TicketID  uint      `json:"ticket_id"`
	AuthorID  uint      `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationDTO 是对外输出的通知记录。
type NotificationDTO struct {
	ID        uint      `json:"id"`
	TicketID  uint      `json:"ticket_id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

func snapshot(t models.Ticket) protocol.TicketSnapshot {
	return protocol.TicketSnapshot{
		ID:         t.ID,
		Subject:    t.Subject,
		Status:     t.Status,
		CreatedBy:  t.CreatedBy,
		AssigneeID: t.AssigneeID,
		Version:    t.Version,
		UpdatedAt:  t.UpdatedAt,
	}
}

func canSee(id auth.Identity, t models.Ticket) bool {
	return id.Role == models.RoleAdmin || t.CreatedBy == id.UserID || (t.AssigneeID != 0 && t.AssigneeID == id.UserID)
}

func (s *TicketService) load(tx *gorm.DB, id auth.Identity, ticketID uint) (*models.Ticket, error) {
	var t models.Ticket
	if err := tx.First(&t, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	if !canSee(id, t) {
		return nil, ErrForbidden
	}
	return &t, nil
}

// Create 创建工单并通知全部管理员。
func (s *TicketService) Create(author auth.Identity, subject, body string) (protocol.TicketSnapshot, error) {
	t := models.Ticket{Subject: subject, Body: body, Status: models.TicketOpen, CreatedBy: author.UserID, Version: 1}
	var targets []uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("role = ? AND id <> ?", models.RoleAdmin, author.UserID).Order("id").Pluck("id", &targets).Error; err != nil {
			return err
		}
		return s.record(tx, t, protocol.NotifyCreated, targets)
	})
	if err != nil {
		return protocol.TicketSnapshot{}, err
	}
	s.push(t, protocol.NotifyCreated, targets)
	return snapshot(t), nil
}

func validStatus(status string) bool {
	switch status {
	case models.TicketOpen, models.TicketInProgress, models.TicketResolved, models.TicketClosed:
		return true
	}
	return false
}

// UpdateStatus 管理员和受理人可任意改状态；提问人只能关闭自己的工单。
func (s *TicketService) UpdateStatus(actor auth.Identity, ticketID uint, status string) (protocol.TicketSnapshot, error) {
	if !validStatus(status) {
		return protocol.TicketSnapshot{}, ErrInvalidStatus
	}
	return s.mutate(actor, ticketID, protocol.NotifyUpdated, func(tx *gorm.DB, t *models.Ticket) ([]uint, error) {
		staff := actor.Role == models.RoleAdmin || t.AssigneeID == actor.UserID
		if !staff && status != models.TicketClosed {
			return nil, ErrForbidden
		}
		t.Status = status
		return []uint{t.CreatedBy, t.AssigneeID}, nil
	})
}

// Respond 追加回复并通知另一方；未指派时由全部管理员接收。
func (s *TicketService) Respond(actor auth.Identity, ticketID uint, body string) (protocol.TicketSnapshot, error) {
	return s.mutate(actor, ticketID, protocol.NotifyResponse, func(tx *gorm.DB, t *models.Ticket) ([]uint, error) {
		if err := tx.Create(&models.TicketResponse{TicketID: t.ID, AuthorID: actor.UserID, Body: body}).Error; err != nil {
			return nil, err
		}
		if actor.UserID != t.CreatedBy {
			return []uint{t.CreatedBy}, nil
		}
		if t.AssigneeID != 0 {
			return []uint{t.AssigneeID}, nil
		}
		var admins []uint
		err := tx.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Order("id").Pluck("id", &admins).Error
		return admins, err
	})
}

// Assign 管理员把工单指派给教师或管理员。
func (s *TicketService) Assign(actor auth.Identity, ticketID, assigneeID uint) (protocol.TicketSnapshot, error) {
	if actor.Role != models.RoleAdmin {
		return protocol.TicketSnapshot{}, ErrForbidden
	}
	return s.mutate(actor, ticketID, protocol.NotifyAssigned, func(tx *gorm.DB, t *models.Ticket) ([]uint, error) {
		var assignee models.User
		if err := tx.First(&assignee, assigneeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrUserNotFound
			}
			return nil, err
		}
		if !assignee.IsStaff() {
			return nil, ErrForbidden
		}
		t.AssigneeID = assignee.ID
		if t.Status == models.TicketOpen {
			t.Status = models.TicketInProgress
		}
		return []uint{assignee.ID, t.CreatedBy}, nil
	})
}

// mutate 在事务中加载、修改工单并递增版本，写入通知后提交，提交成功才推送。
func (s *TicketService) mutate(actor auth.Identity, ticketID uint, kind string, fn func(tx *gorm.DB, t *models.Ticket) ([]uint, error)) (protocol.TicketSnapshot, error) {
	var (
		t       *models.Ticket
		targets []uint
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if t, err = s.load(tx, actor, ticketID); err != nil {
			return err
		}
		recipients, err := fn(tx, t)
		if err != nil {
			return err
		}
		t.Version++
		if err := tx.Save(t).Error; err != nil {
			return err
		}
		targets = dedupe(recipients, actor.UserID)
		return s.record(tx, *t, kind, targets)
	})
	if err != nil {
		return protocol.TicketSnapshot{}, err
	}
	s.push(*t, kind, targets)
	return snapshot(*t), nil
}

// dedupe 去掉零值、重复项和操作者本人。
func dedupe(ids []uint, actor uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || id == actor {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *TicketService) record(tx *gorm.DB, t models.Ticket, kind string, targets []uint) error {
	if len(targets) == 0 {
		return nil
	}
	rows := make([]models.Notification, 0, len(targets))
	for _, uid := range targets {
		rows = append(rows, models.Notification{UserID: uid, TicketID: t.ID, Kind: kind, Subject: t.Subject})
	}
	return tx.Create(&rows).Error
}

func (s *TicketService) push(t models.Ticket, kind string, targets []uint) {
	snap := snapshot(t)
	for _, uid := range targets {
		env, err := protocol.NewEvent(protocol.EventTicketNotification, protocol.TicketNotification{Kind: kind, TargetUserID: uid, Ticket: snap})
		if err != nil {
			log.Error().Err(err).Uint("ticket_id", t.ID).Msg("encode ticket notification")
			continue
		}
		room := protocol.UserRoom(uid)
		if s.unread != nil {
			if err := s.unread.Incr(context.Background(), uid, room); err != nil {
				log.Warn().Err(err).Uint("user_id", uid).Str("room", room.String()).Msg("unread incr")
			}
		}
		s.pub.Publish(env, room)
		metrics.NotificationsTotal.WithLabelValues(kind).Inc()
	}
}

// List 返回用户可见的工单，最新的在前。
func (s *TicketService) List(id auth.Identity, limit int) ([]protocol.TicketSnapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	q := s.db.Order("id desc").Limit(limit)
	if id.Role != models.RoleAdmin {
		q = q.Where("created_by = ? OR assignee_id = ?", id.UserID, id.UserID)
	}
	var tickets []models.Ticket
	if err := q.Find(&tickets).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.TicketSnapshot, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, snapshot(t))
	}
	return out, nil
}

// Responses 返回工单的全部回复。
func (s *TicketService) Responses(id auth.Identity, ticketID uint) ([]ResponseDTO, error) {
	if _, err := s.load(s.db, id, ticketID); err != nil {
		return nil, err
	}
	var rows []models.TicketResponse
	if err := s.db.Where("ticket_id = ?", ticketID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ResponseDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, ResponseDTO{ID: r.ID, TicketID: r.TicketID, AuthorID: r.AuthorID, Body: r.Body, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// Notifications 返回用户最近的工单通知，断线期间错过的推送通过它补拉。
func (s *TicketService) Notifications(userID uint, limit int) ([]NotificationDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Notification
	if err := s.db.Where("user_id = ?", userID).Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]NotificationDTO, 0, len(rows))
	for _, n := range rows {
		out = append(out, NotificationDTO{ID: n.ID, TicketID: n.TicketID, Kind: n.Kind, Subject: n.Subject, CreatedAt: n.CreatedAt})
	}
	return out, nil
}
