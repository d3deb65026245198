package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
	"github.com/CloudcraftTeche/cog-sub003/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Services 是 handler 依赖的业务层对象。
type Services struct {
	Users   *service.UserService
	Grades  *service.GradeService
	Access  *service.Access
	Msgs    *service.MessageService
	Chat    *service.ChatService
	Tickets *service.TicketService
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	svc Services
}

func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// fail 把业务错误映射为 HTTP 状态码，5xx 记录原因。
func fail(c *gin.Context, err error, op string) {
	status, msg := http.StatusInternalServerError, op+" failed"
	switch {
	case errors.Is(err, service.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrInvalidRoom):
		status, msg = http.StatusBadRequest, "invalid room"
	case errors.Is(err, protocol.ErrInvalidPayload), errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrInvalidRole):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrGradeNotFound), errors.Is(err, service.ErrTicketNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrUsernameTaken):
		status, msg = http.StatusConflict, "username taken"
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Str("path", c.FullPath()).Msg(op)
	}
	c.JSON(status, gin.H{"error": msg})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// page 解析 limit 与 before_id，limit 越界时回退为 50。
func page(c *gin.Context) (int, uint) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 64); err == nil {
			beforeID = uint(v)
		}
	}
	return limit, beforeID
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func bindCredentials(c *gin.Context) (credentials, bool) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return req, false
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return req, false
	}
	return req, true
}

// Register 自助注册，只能注册学生账号。
func (h *Handler) Register(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	user, err := h.svc.Users.Register(req.Username, req.Password, "")
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateUser 管理员创建任意角色的账号。
func (h *Handler) CreateUser(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	user, err := h.svc.Users.Register(req.Username, req.Password, req.Role)
	if err != nil {
		fail(c, err, "create user")
		return
	}
	c.JSON(http.StatusOK, user)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.svc.Users.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username, "role": result.User.Role},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.svc.Users.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// Me 返回当前用户。
func (h *Handler) Me(c *gin.Context) {
	id := auth.GetIdentity(c)
	c.JSON(http.StatusOK, service.UserDTO{ID: id.UserID, Username: id.Username, Role: id.Role})
}

// CreateGrade 处理创建年级请求。
func (h *Handler) CreateGrade(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grade name"})
		return
	}
	grade, err := h.svc.Grades.Create(req.Name)
	if err != nil {
		fail(c, err, "create grade")
		return
	}
	c.JSON(http.StatusOK, grade)
}

// ListGrades 返回当前用户可见的年级及在线人数。
func (h *Handler) ListGrades(c *gin.Context) {
	grades, err := h.svc.Grades.ListFor(auth.GetIdentity(c))
	if err != nil {
		fail(c, err, "list grades")
		return
	}
	c.JSON(http.StatusOK, gin.H{"grades": grades})
}

// AddGradeMember 管理员把用户加入年级。
func (h *Handler) AddGradeMember(c *gin.Context) {
	gradeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.svc.Grades.AddMember(gradeID, req.UserID); err != nil {
		fail(c, err, "add grade member")
		return
	}
	c.JSON(http.StatusOK, gin.H{"grade_id": gradeID, "user_id": req.UserID})
}

// ListGradeMessages 年级房间历史，按 id 升序。
func (h *Handler) ListGradeMessages(c *gin.Context) {
	gradeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Access.AuthorizeGrade(auth.GetIdentity(c), gradeID); err != nil {
		fail(c, err, "list messages")
		return
	}
	limit, beforeID := page(c)
	msgs, err := h.svc.Msgs.ListGrade(gradeID, limit, beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": protocol.GradeRoom(gradeID), "messages": msgs})
}

// ListDirectMessages 私聊历史，按 id 升序。
func (h *Handler) ListDirectMessages(c *gin.Context) {
	peerID, ok := idParam(c, "peer_id")
	if !ok {
		return
	}
	id := auth.GetIdentity(c)
	if _, err := h.svc.Access.AuthorizeDirect(id, peerID); err != nil {
		fail(c, err, "list messages")
		return
	}
	limit, beforeID := page(c)
	msgs, err := h.svc.Msgs.ListDirect(id.UserID, peerID, limit, beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": protocol.DirectRoom(id.UserID, peerID), "messages": msgs})
}

type sendBody struct {
	Content   string `json:"content"`
	ClientKey string `json:"client_key"`
}

// SendGradeMessage 与 ws 发送路径相同：持久化成功后扇出。
func (h *Handler) SendGradeMessage(c *gin.Context) {
	gradeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req sendBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.svc.Chat.SendGrade(c.Request.Context(), auth.GetIdentity(c), protocol.GradeSendRequest{
		GradeID:   gradeID,
		Content:   req.Content,
		ClientKey: req.ClientKey,
	})
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) SendDirectMessage(c *gin.Context) {
	peerID, ok := idParam(c, "peer_id")
	if !ok {
		return
	}
	var req sendBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.svc.Chat.SendDirect(c.Request.Context(), auth.GetIdentity(c), protocol.DirectSendRequest{
		RecipientID: peerID,
		Content:     req.Content,
		ClientKey:   req.ClientKey,
	})
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Unread 返回服务端未读快照，客户端连接后据此初始化计数。
func (h *Handler) Unread(c *gin.Context) {
	snap, err := h.svc.Chat.Unread(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "unread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": snap})
}

func (h *Handler) MarkRead(c *gin.Context) {
	var req protocol.RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := protocol.ParseRoomKey(string(req.Room))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
		return
	}
	if err := h.svc.Chat.MarkRead(c.Request.Context(), auth.GetUserID(c), room); err != nil {
		fail(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}
