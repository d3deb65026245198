package protocol

import "errors"

// 错误帧中的错误码。
const (
	CodeAuth           = "auth_error"
	CodeForbidden      = "forbidden"
	CodeInvalidRoom    = "invalid_room"
	CodeInvalidMessage = "invalid_message"
	CodeRateLimited    = "rate_limited"
	CodeUnknownEvent   = "unknown_event"
	CodeInternal       = "internal"
)

var (
	ErrEmptyPayload   = errors.New("protocol: empty payload")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// ErrorPayload 是 error 帧的数据部分。
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
