package client

import (
	"errors"
	"fmt"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

var (
	// ErrAuth 握手被拒绝，需要新的凭证才能重试。
	ErrAuth = errors.New("client: authentication rejected")
	// ErrNotConnected 连接未建立时发送立即失败，不排队。
	ErrNotConnected = errors.New("client: not connected")
	// ErrHandshakeTimeout 在超时内没有收到 session.ready。
	ErrHandshakeTimeout = errors.New("client: handshake timed out")
	// ErrSessionClosed 会话已关闭。
	ErrSessionClosed = errors.New("client: session closed")
	// ErrNotJoined 发送前必须先打开房间。
	ErrNotJoined = errors.New("client: room not joined")

	ErrForbidden   = errors.New("client: forbidden")
	ErrInvalidRoom = errors.New("client: invalid room")
	ErrRateLimited = errors.New("client: rate limited")
)

// RemoteError 是服务端 error 帧，errors.Is 可把它匹配到对应的哨兵错误。
type RemoteError struct {
	Event   string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: %s rejected: %s (%s)", e.Event, e.Message, e.Code)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Code == protocol.CodeForbidden
	case ErrInvalidRoom:
		return e.Code == protocol.CodeInvalidRoom
	case ErrRateLimited:
		return e.Code == protocol.CodeRateLimited
	case ErrAuth:
		return e.Code == protocol.CodeAuth
	}
	return false
}

func remoteError(env protocol.Envelope) *RemoteError {
	var p protocol.ErrorPayload
	_ = env.Decode(&p)
	return &RemoteError{Event: env.Event, Code: p.Code, Message: p.Message}
}
