package protocol

import "time"

// 客户端请求事件。
const (
	EventRoomJoin   = "room.join"
	EventRoomLeave  = "room.leave"
	EventGradeSend  = "chat.grade.send"
	EventDirectSend = "chat.direct.send"
	EventTypingSet  = "typing.set"
)

// 服务端推送事件。
const (
	EventSessionReady       = "session.ready"
	EventChatMessage        = "chat.message"
	EventTypingState        = "typing.state"
	EventRoomPresence       = "room.presence"
	EventTicketNotification = "ticket.notification"
)

// 工单通知类别。
const (
	NotifyCreated  = "created"
	NotifyUpdated  = "updated"
	NotifyResponse = "response"
	NotifyAssigned = "assigned"
)

// MaxContentLength 单条消息内容的最大字节数。
const MaxContentLength = 4000

type RoomRequest struct {
	Room RoomKey `json:"room"`
}

type GradeSendRequest struct {
	GradeID   uint   `json:"grade_id"`
	Content   string `json:"content" validate:"required,max=4000"`
	ClientKey string `json:"client_key,omitempty" validate:"omitempty,max=64"`
}

type DirectSendRequest struct {
	RecipientID uint   `json:"recipient_id"`
	Content     string `json:"content" validate:"required,max=4000"`
	ClientKey   string `json:"client_key,omitempty" validate:"omitempty,max=64"`
}

type TypingRequest struct {
	Room   RoomKey `json:"room"`
	Typing bool    `json:"typing"`
}

// Ack 是请求成功时的响应数据。
type Ack struct {
	Room      RoomKey `json:"room,omitempty"`
	MessageID uint    `json:"message_id,omitempty"`
}

type SessionReady struct {
	ConnID   string `json:"conn_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ChatMessage 是持久化后的消息记录，推送与历史接口共用同一结构。
type ChatMessage struct {
	ID          uint      `json:"id"`
	Room        RoomKey   `json:"room"`
	Type        string    `json:"type"`
	SenderID    uint      `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	RecipientID uint      `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	ClientKey   string    `json:"client_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type TypingState struct {
	Room     RoomKey `json:"room"`
	UserID   uint    `json:"user_id"`
	Username string  `json:"username,omitempty"`
	Typing   bool    `json:"typing"`
}

type Presence struct {
	Room     RoomKey `json:"room"`
	UserID   uint    `json:"user_id"`
	Username string  `json:"username,omitempty"`
	Joined   bool    `json:"joined"`
	Online   int     `json:"online"`
}

// TicketSnapshot 携带工单完整状态，客户端按 Version 判断新旧。
type TicketSnapshot struct {
	ID         uint      `json:"id"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	CreatedBy  uint      `json:"created_by"`
	AssigneeID uint      `json:"assignee_id,omitempty"`
	Version    uint      `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type TicketNotification struct {
	Kind         string         `json:"kind"`
	TargetUserID uint           `json:"target_user_id"`
	Ticket       TicketSnapshot `json:"ticket"`
}
