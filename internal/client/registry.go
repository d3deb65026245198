package client

import (
	"sort"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

// Intent 是注册表要求连接层执行的一次 join/leave。
type Intent struct {
	Event string
	Room  protocol.RoomKey
}

func joinIntent(room protocol.RoomKey) Intent {
	return Intent{Event: protocol.EventRoomJoin, Room: room}
}

func leaveIntent(room protocol.RoomKey) Intent {
	return Intent{Event: protocol.EventRoomLeave, Room: room}
}

// Registry 记录会话当前关注的房间。年级房间与私聊房间各自最多一个，个人通知房间始终在内。
// 它只产出 Intent，不做任何 I/O。
type Registry struct {
	user  protocol.RoomKey
	focus map[protocol.RoomKind]protocol.RoomKey
}

func NewRegistry(userID uint) *Registry {
	return &Registry{
		user:  protocol.UserRoom(userID),
		focus: make(map[protocol.RoomKind]protocol.RoomKey, 2),
	}
}

// Join 切换到 room。同类房间的旧焦点先离开；已经在 room 中时返回空。
func (r *Registry) Join(room protocol.RoomKey) []Intent {
	kind := room.Kind()
	if kind == protocol.KindUser {
		return nil
	}
	prev, ok := r.focus[kind]
	if ok && prev == room {
		return nil
	}
	var out []Intent
	if ok {
		out = append(out, leaveIntent(prev))
	}
	r.focus[kind] = room
	return append(out, joinIntent(room))
}

// Leave 离开 room；个人通知房间和未加入的房间都是空操作。
func (r *Registry) Leave(room protocol.RoomKey) []Intent {
	kind := room.Kind()
	if cur, ok := r.focus[kind]; !ok || cur != room {
		return nil
	}
	delete(r.focus, kind)
	return []Intent{leaveIntent(room)}
}

// Focus 返回某类房间的当前焦点。
func (r *Registry) Focus(kind protocol.RoomKind) (protocol.RoomKey, bool) {
	room, ok := r.focus[kind]
	return room, ok
}

func (r *Registry) Has(room protocol.RoomKey) bool {
	if room == r.user {
		return true
	}
	cur, ok := r.focus[room.Kind()]
	return ok && cur == room
}

// ActiveRooms 返回当前所有房间（包括个人通知房间），按键排序。
func (r *Registry) ActiveRooms() []protocol.RoomKey {
	out := make([]protocol.RoomKey, 0, len(r.focus)+1)
	out = append(out, r.user)
	for _, room := range r.focus {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rejoin 在重连后重放焦点房间的 join；服务端会重新把连接加入个人通知房间。
func (r *Registry) Rejoin() []Intent {
	out := make([]Intent, 0, len(r.focus))
	for _, kind := range []protocol.RoomKind{protocol.KindGrade, protocol.KindDirect} {
		if room, ok := r.focus[kind]; ok {
			out = append(out, joinIntent(room))
		}
	}
	return out
}
