package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type 信封类型。
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeEvent    Type = "event"
	TypeError    Type = "error"
)

// Envelope 是连接上传输的唯一帧格式。请求与其响应/错误通过 RequestID 对应。
type Envelope struct {
	Type      Type            `json:"type"`
	Event     string          `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func newEnvelope(t Type, event, requestID string, data any) (Envelope, error) {
	env := Envelope{Type: t, Event: event, RequestID: requestID, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = b
	}
	return env, nil
}

// NewRequest 生成带新请求 ID 的请求帧。
func NewRequest(event string, data any) (Envelope, error) {
	return newEnvelope(TypeRequest, event, uuid.NewString(), data)
}

func NewResponse(requestID, event string, data any) (Envelope, error) {
	return newEnvelope(TypeResponse, event, requestID, data)
}

func NewEvent(event string, data any) (Envelope, error) {
	return newEnvelope(TypeEvent, event, "", data)
}

// NewError 构造错误帧；错误帧的序列化不会失败。
func NewError(requestID, event, code, message string) Envelope {
	env, _ := newEnvelope(TypeError, event, requestID, ErrorPayload{Code: code, Message: message})
	return env
}

// Decode 把 Data 解析到 v。
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(e.Data, v)
}

// Marshal 编码整帧。
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
