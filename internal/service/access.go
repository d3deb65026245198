package service

import (
	"errors"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"gorm.io/gorm"
)

// Access 判定会话能否进入或向某个房间发送。
type Access struct {
	db *gorm.DB
}

func NewAccess(db *gorm.DB) *Access {
	return &Access{db: db}
}

// AuthorizeGrade 管理员可进入任意年级；教师与学生只能进入自己所属的年级。
func (a *Access) AuthorizeGrade(id auth.Identity, gradeID uint) error {
	if gradeID == 0 {
		return ErrInvalidRoom
	}
	var grade models.Grade
	if err := a.db.Select("id").First(&grade, gradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidRoom
		}
		return err
	}
	if id.Role == models.RoleAdmin {
		return nil
	}
	var count int64
	if err := a.db.Model(&models.GradeMember{}).Where("grade_id = ? AND user_id = ?", gradeID, id.UserID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrForbidden
	}
	return nil
}

// AuthorizeDirect 返回私聊对象。学生只能私聊教师或管理员。
func (a *Access) AuthorizeDirect(id auth.Identity, recipientID uint) (*models.User, error) {
	if recipientID == 0 || recipientID == id.UserID {
		return nil, ErrInvalidRoom
	}
	var peer models.User
	if err := a.db.Select("id", "username", "role").First(&peer, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidRoom
		}
		return nil, err
	}
	if id.Role == models.RoleStudent && !peer.IsStaff() {
		return nil, ErrForbidden
	}
	return &peer, nil
}

// AuthorizeRoom 用于 room.join：个人房间只属于本人，私聊房间只属于双方。
func (a *Access) AuthorizeRoom(id auth.Identity, room protocol.RoomKey) error {
	switch room.Kind() {
	case protocol.KindGrade:
		gid, _ := room.GradeID()
		return a.AuthorizeGrade(id, gid)
	case protocol.KindDirect:
		peer, ok := room.Peer(id.UserID)
		if !ok {
			return ErrForbidden
		}
		_, err := a.AuthorizeDirect(id, peer)
		return err
	case protocol.KindUser:
		uid, _ := room.UserID()
		if uid != id.UserID {
			return ErrForbidden
		}
		return nil
	}
	return ErrInvalidRoom
}
