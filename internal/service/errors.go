package service

import "errors"

// 业务层通用错误，handler 与 ws 路由可根据错误类型映射到 HTTP 状态码或错误帧。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRole        = errors.New("invalid role")
	ErrUserNotFound       = errors.New("user not found")
	ErrGradeNotFound      = errors.New("grade not found")
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrInvalidStatus      = errors.New("invalid ticket status")

	// ErrForbidden 会话无权进入或向目标房间发送。
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidRoom 缺少房间上下文或房间不存在。
	ErrInvalidRoom = errors.New("invalid room")
)
