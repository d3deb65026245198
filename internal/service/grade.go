package service

import (
	"errors"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"gorm.io/gorm"
)

// OnlineCounter 提供房间在线会话数，由 ws.Hub 实现。
type OnlineCounter interface {
	Online(room protocol.RoomKey) int
}

// GradeService 封装年级及成员关系。
type GradeService struct {
	db     *gorm.DB
	online OnlineCounter
}

func NewGradeService(db *gorm.DB, online OnlineCounter) *GradeService {
	return &GradeService{db: db, online: online}
}

// GradeDTO 是对外输出的年级数据。
type GradeDTO struct {
	ID     uint             `json:"id"`
	Name   string           `json:"name"`
	Room   protocol.RoomKey `json:"room"`
	Online int              `json:"online"`
}

func (s *GradeService) toDTO(g models.Grade) GradeDTO {
	room := protocol.GradeRoom(g.ID)
	dto := GradeDTO{ID: g.ID, Name: g.Name, Room: room}
	if s.online != nil {
		dto.Online = s.online.Online(room)
	}
	return dto
}

// Create 创建年级。
func (s *GradeService) Create(name string) (*GradeDTO, error) {
	grade := models.Grade{Name: name}
	if err := s.db.Create(&grade).Error; err != nil {
		return nil, err
	}
	dto := s.toDTO(grade)
	return &dto, nil
}

// AddMember 把教师或学生加入年级，重复加入不报错。
func (s *GradeService) AddMember(gradeID, userID uint) error {
	var grade models.Grade
	if err := s.db.First(&grade, gradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGradeNotFound
		}
		return err
	}
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return s.db.Where(models.GradeMember{GradeID: gradeID, UserID: userID}).
		FirstOrCreate(&models.GradeMember{GradeID: gradeID, UserID: userID}).Error
}

// ListFor 返回用户可见的年级：管理员看到全部，其他人只看到所属年级。
func (s *GradeService) ListFor(id auth.Identity) ([]GradeDTO, error) {
	q := s.db.Model(&models.Grade{}).Order("id asc")
	if id.Role != models.RoleAdmin {
		q = q.Where("id IN (?)", s.db.Model(&models.GradeMember{}).Select("grade_id").Where("user_id = ?", id.UserID))
	}
	var grades []models.Grade
	if err := q.Find(&grades).Error; err != nil {
		return nil, err
	}
	out := make([]GradeDTO, 0, len(grades))
	for _, g := range grades {
		out = append(out, s.toDTO(g))
	}
	return out, nil
}

// MemberIDs 返回年级全部成员的用户 ID。
func (s *GradeService) MemberIDs(gradeID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.GradeMember{}).Where("grade_id = ?", gradeID).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}
