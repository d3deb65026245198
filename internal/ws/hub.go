package ws

import (
	"sync"

	"github.com/CloudcraftTeche/cog-sub003/internal/metrics"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Hub 是服务端的房间订阅表：记录每个会话加入了哪些房间，并据此计算扇出集合。
// 一个会话同一时刻最多在一个年级房间和一个私聊房间内，个人通知房间在会话存续期间一直保留。
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[protocol.RoomKey]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[protocol.RoomKey]map[*Client]struct{}),
	}
}

// Register 登记新会话并让它加入自己的个人通知房间。
// greeting 在会话对扇出可见之前入队，保证它们是会话收到的最早几帧。
func (h *Hub) Register(c *Client, greeting ...protocol.Envelope) {
	frames := make([][]byte, 0, len(greeting))
	for _, env := range greeting {
		b, err := env.Marshal()
		if err != nil {
			log.Error().Err(err).Str("event", env.Event).Msg("encode frame")
			continue
		}
		frames = append(frames, b)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range frames {
		select {
		case c.send <- b:
		default:
			log.Warn().Str("conn_id", c.id).Msg("send queue full at register")
		}
	}
	h.clients[c] = struct{}{}
	h.addLocked(c, protocol.UserRoom(c.identity.UserID))
	metrics.WsConnections.Inc()
}

// Unregister 把会话移出全部房间并关闭发送队列，返回它离开的房间。重复调用是空操作。
func (h *Hub) Unregister(c *Client) []protocol.RoomKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked(c)
}

func (h *Hub) detachLocked(c *Client) []protocol.RoomKey {
	if _, ok := h.clients[c]; !ok {
		return nil
	}
	delete(h.clients, c)
	left := make([]protocol.RoomKey, 0, len(c.rooms))
	for room := range c.rooms {
		h.removeLocked(c, room)
		left = append(left, room)
	}
	close(c.send)
	metrics.WsConnections.Dec()
	return left
}

func (h *Hub) addLocked(c *Client, room protocol.RoomKey) {
	set := h.rooms[room]
	if set == nil {
		set = make(map[*Client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	c.rooms[room] = struct{}{}
	if kind := room.Kind(); kind != protocol.KindUser {
		c.focus[kind] = room
	}
}

func (h *Hub) removeLocked(c *Client, room protocol.RoomKey) {
	if set := h.rooms[room]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
	if kind := room.Kind(); c.focus[kind] == room {
		delete(c.focus, kind)
	}
}

// Join 把会话加入房间。已在房间内时 joined 为 false；
// 加入新的年级/私聊房间会先离开同类的上一个房间，prev 为被离开的房间。
func (h *Hub) Join(c *Client, room protocol.RoomKey) (prev protocol.RoomKey, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return "", false
	}
	if _, ok := c.rooms[room]; ok {
		return "", false
	}
	if kind := room.Kind(); kind != protocol.KindUser {
		if old, ok := c.focus[kind]; ok {
			h.removeLocked(c, old)
			prev = old
		}
	}
	h.addLocked(c, room)
	return prev, true
}

// Leave 让会话离开房间，不在房间内时返回 false。个人通知房间不能离开。
func (h *Hub) Leave(c *Client, room protocol.RoomKey) bool {
	if room.Kind() == protocol.KindUser {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	h.removeLocked(c, room)
	return true
}

// InRoom 判断会话当前是否在房间内。
func (h *Hub) InRoom(c *Client, room protocol.RoomKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms 返回会话当前加入的房间。
func (h *Hub) Rooms(c *Client) []protocol.RoomKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.RoomKey, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Online 返回房间内的会话数，供 REST 接口复用。
func (h *Hub) Online(room protocol.RoomKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// HasUser 判断该用户是否有会话停留在房间内。
func (h *Hub) HasUser(room protocol.RoomKey, userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c.identity.UserID == userID {
			return true
		}
	}
	return false
}

// Publish 把一帧推送给若干房间并集中的全部会话，每个会话只收一次，返回入队的会话数。
func (h *Hub) Publish(env protocol.Envelope, rooms ...protocol.RoomKey) int {
	return h.publish(env, nil, rooms...)
}

// PublishExcept 同 Publish，但跳过 skip 会话（输入状态不回显给发起者）。
func (h *Hub) PublishExcept(env protocol.Envelope, skip *Client, rooms ...protocol.RoomKey) int {
	return h.publish(env, skip, rooms...)
}

func (h *Hub) publish(env protocol.Envelope, skip *Client, rooms ...protocol.RoomKey) int {
	b, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("encode frame")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c != skip {
				targets[c] = struct{}{}
			}
		}
	}
	n := 0
	for c := range targets {
		select {
		case c.send <- b:
			n++
		default:
			// 发送队列已满的慢连接直接断开，客户端重连后通过历史接口补齐
			log.Warn().Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Msg("send queue full, dropping session")
			h.detachLocked(c)
			metrics.FanoutDropped.Inc()
		}
	}
	metrics.FanoutDeliveries.Add(float64(n))
	return n
}

// Send 向单个会话入队一帧（响应、错误帧）。会话已注销或队列已满时返回 false。
func (h *Hub) Send(c *Client, env protocol.Envelope) bool {
	b, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("encode frame")
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Msg("send queue full, dropping session")
		h.detachLocked(c)
		metrics.FanoutDropped.Inc()
		return false
	}
}

// Close 注销全部会话，写协程随之发送关闭帧并退出。用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.detachLocked(c)
	}
}
