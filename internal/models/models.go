package models

import "time"

// 用户角色。
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// 消息类型。
const (
	MessageGrade   = "grade"
	MessageUnicast = "unicast"
)

// 工单状态。
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
	TicketClosed     = "closed"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"size:16;not null;default:student"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsStaff 教师和管理员可以与任何人私聊。
func (u User) IsStaff() bool { return u.Role == RoleAdmin || u.Role == RoleTeacher }

type Grade struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GradeMember 记录教师任课或学生在读的年级。
type GradeMember struct {
	GradeID   uint `gorm:"primaryKey"`
	UserID    uint `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

// Message 只追加不修改；ID 由数据库自增分配，既是去重键也是排序键。
type Message struct {
	ID          uint   `gorm:"primaryKey"`
	Type        string `gorm:"size:16;not null"`
	GradeID     uint   `gorm:"index:idx_msg_grade"`
	SenderID    uint   `gorm:"not null;uniqueIndex:idx_msg_client_key,priority:1"`
	RecipientID uint   `gorm:"index:idx_msg_direct"`
	// DirectKey 是私聊双方 ID 归一化后的房间键，便于按会话分页。
	DirectKey string  `gorm:"size:64;index:idx_msg_direct"`
	ClientKey *string `gorm:"size:64;uniqueIndex:idx_msg_client_key,priority:2"`
	Content   string  `gorm:"type:text;not null"`
	CreatedAt time.Time
}

type Ticket struct {
	ID         uint   `gorm:"primaryKey"`
	Subject    string `gorm:"size:200;not null"`
	Body       string `gorm:"type:text"`
	Status     string `gorm:"size:16;not null;default:open"`
	CreatedBy  uint   `gorm:"index;not null"`
	AssigneeID uint   `gorm:"index"`
	Version    uint   `gorm:"not null;default:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TicketResponse struct {
	ID        uint   `gorm:"primaryKey"`
	TicketID  uint   `gorm:"index;not null"`
	AuthorID  uint   `gorm:"not null"`
	Body      string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// Notification 工单通知落库后只推送一次，断线期间的通知需通过列表接口补拉。
type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	TicketID  uint   `gorm:"index;not null"`
	Kind      string `gorm:"size:16;not null"`
	Subject   string `gorm:"size:200;not null"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
