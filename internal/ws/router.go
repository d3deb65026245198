package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/CloudcraftTeche/cog-sub003/internal/metrics"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
	"github.com/CloudcraftTeche/cog-sub003/internal/service"

	"github.com/rs/zerolog/log"
)

// Router 处理连接上收到的请求帧。每个请求都会得到同 request_id 的 response 或 error 帧。
type Router struct {
	hub  *Hub
	chat *service.ChatService
}

func NewRouter(hub *Hub, chat *service.ChatService) *Router {
	return &Router{hub: hub, chat: chat}
}

// Handle 分发一帧请求。同一连接上的请求按到达顺序串行处理。
func (r *Router) Handle(ctx context.Context, c *Client, env protocol.Envelope) {
	if env.Type != protocol.TypeRequest {
		r.reject(c, env.RequestID, env.Event, protocol.CodeInvalidMessage, "expected a request frame")
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		r.reject(c, env.RequestID, env.Event, protocol.CodeRateLimited, "slow down")
		return
	}

	var (
		data any
		err  error
	)
	switch env.Event {
	case protocol.EventRoomJoin:
		data, err = r.join(ctx, c, env)
	case protocol.EventRoomLeave:
		data, err = r.leave(c, env)
	case protocol.EventGradeSend:
		data, err = r.sendGrade(ctx, c, env)
	case protocol.EventDirectSend:
		data, err = r.sendDirect(ctx, c, env)
	case protocol.EventTypingSet:
		data, err = r.typing(c, env)
	default:
		r.reject(c, env.RequestID, env.Event, protocol.CodeUnknownEvent, "unknown event")
		return
	}
	if err != nil {
		code := codeFor(err)
		if code == protocol.CodeInternal {
			log.Error().Err(err).Str("conn_id", c.id).Str("event", env.Event).Msg("handle request")
			r.reject(c, env.RequestID, env.Event, code, "internal error")
			return
		}
		log.Warn().Err(err).Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Str("event", env.Event).Msg("request rejected")
		r.reject(c, env.RequestID, env.Event, code, err.Error())
		return
	}
	resp, err := protocol.NewResponse(env.RequestID, env.Event, data)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("encode response")
		return
	}
	r.hub.Send(c, resp)
}

func (r *Router) reject(c *Client, requestID, event, code, msg string) {
	metrics.WsRejected.WithLabelValues(code).Inc()
	r.hub.Send(c, protocol.NewError(requestID, event, code, msg))
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, service.ErrInvalidRoom):
		return protocol.CodeInvalidRoom
	case errors.Is(err, protocol.ErrInvalidPayload), errors.Is(err, protocol.ErrEmptyPayload):
		return protocol.CodeInvalidMessage
	}
	return protocol.CodeInternal
}

func decode(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		if errors.Is(err, protocol.ErrEmptyPayload) {
			return err
		}
		return fmt.Errorf("%w: %v", protocol.ErrInvalidPayload, err)
	}
	return nil
}

func roomOf(env protocol.Envelope) (protocol.RoomKey, error) {
	var req protocol.RoomRequest
	if err := decode(env, &req); err != nil {
		return "", err
	}
	room, err := protocol.ParseRoomKey(string(req.Room))
	if err != nil {
		return "", fmt.Errorf("%w: %v", service.ErrInvalidRoom, err)
	}
	return room, nil
}

// join 鉴权后加入房间，房间成为当前视图，服务端未读随之清零。
func (r *Router) join(ctx context.Context, c *Client, env protocol.Envelope) (any, error) {
	room, err := roomOf(env)
	if err != nil {
		return nil, err
	}
	if err := r.chat.Authorize(c.identity, room); err != nil {
		return nil, err
	}
	prev, joined := r.hub.Join(c, room)
	if prev != "" {
		r.presence(c, prev, false)
	}
	if joined {
		log.Debug().Str("conn_id", c.id).Str("room", room.String()).Msg("join")
		r.presence(c, room, true)
	}
	if err := r.chat.MarkRead(ctx, c.identity.UserID, room); err != nil {
		log.Warn().Err(err).Uint("user_id", c.identity.UserID).Str("room", room.String()).Msg("clear unread")
	}
	return protocol.Ack{Room: room}, nil
}

// leave 离开未加入的房间是空操作。
func (r *Router) leave(c *Client, env protocol.Envelope) (any, error) {
	room, err := roomOf(env)
	if err != nil {
		return nil, err
	}
	if r.hub.Leave(c, room) {
		log.Debug().Str("conn_id", c.id).Str("room", room.String()).Msg("leave")
		r.presence(c, room, false)
	}
	return protocol.Ack{Room: room}, nil
}

func (r *Router) sendGrade(ctx context.Context, c *Client, env protocol.Envelope) (any, error) {
	var req protocol.GradeSendRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	msg, err := r.chat.SendGrade(ctx, c.identity, req)
	if err != nil {
		return nil, err
	}
	return protocol.Ack{Room: msg.Room, MessageID: msg.ID}, nil
}

func (r *Router) sendDirect(ctx context.Context, c *Client, env protocol.Envelope) (any, error) {
	var req protocol.DirectSendRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	msg, err := r.chat.SendDirect(ctx, c.identity, req)
	if err != nil {
		return nil, err
	}
	return protocol.Ack{Room: msg.Room, MessageID: msg.ID}, nil
}

// typing 输入状态只转发给同房间的其他会话，不落库。
func (r *Router) typing(c *Client, env protocol.Envelope) (any, error) {
	var req protocol.TypingRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	room, err := protocol.ParseRoomKey(string(req.Room))
	if err != nil || room.Kind() == protocol.KindUser {
		return nil, service.ErrInvalidRoom
	}
	if !r.hub.InRoom(c, room) {
		return nil, service.ErrForbidden
	}
	evt, err := protocol.NewEvent(protocol.EventTypingState, protocol.TypingState{
		Room:     room,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Typing:   req.Typing,
	})
	if err != nil {
		return nil, err
	}
	r.hub.PublishExcept(evt, c, room)
	metrics.TypingEvents.Inc()
	return protocol.Ack{Room: room}, nil
}

// presence 向年级房间广播成员进出。
func (r *Router) presence(c *Client, room protocol.RoomKey, joined bool) {
	if room.Kind() != protocol.KindGrade {
		return
	}
	evt, err := protocol.NewEvent(protocol.EventRoomPresence, protocol.Presence{
		Room:     room,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Joined:   joined,
		Online:   r.hub.Online(room),
	})
	if err != nil {
		return
	}
	r.hub.Publish(evt, room)
}

// Disconnect 注销会话并通知其所在年级房间。
func (r *Router) Disconnect(c *Client) {
	for _, room := range r.hub.Unregister(c) {
		r.presence(c, room, false)
	}
}
