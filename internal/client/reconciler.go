package client

import (
	"strconv"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// Entry 是时间线上的一行。已确认的消息 Key 为服务端 ID，本地乐观发送的消息 Key 为临时 client_key。
type Entry struct {
	Key     string
	Message protocol.ChatMessage
	Pending bool
	// Err 非空表示这条本地发送失败，不会再被确认。
	Err error
}

type pendingSend struct {
	key string
	msg protocol.ChatMessage
	err error
}

type roomLog struct {
	confirmed *btree.BTreeG[protocol.ChatMessage]
	pending   []*pendingSend
}

func byMessageID(a, b protocol.ChatMessage) bool { return a.ID < b.ID }

func newRoomLog() *roomLog {
	return &roomLog{confirmed: btree.NewG[protocol.ChatMessage](16, byMessageID)}
}

func (l *roomLog) dropPending(senderID uint, key string) bool {
	for i, p := range l.pending {
		if p.key == key && p.msg.SenderID == senderID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Reconciler 把本地乐观发送、服务端回显和他人推送合并为每个房间一条按 ID 有序、去重的时间线。
// 不是并发安全的，由 ChatSession 串行调用。
type Reconciler struct {
	rooms map[protocol.RoomKey]*roomLog
}

func NewReconciler() *Reconciler {
	return &Reconciler{rooms: make(map[protocol.RoomKey]*roomLog)}
}

func (r *Reconciler) room(key protocol.RoomKey) *roomLog {
	l, ok := r.rooms[key]
	if !ok {
		l = newRoomLog()
		r.rooms[key] = l
	}
	return l
}

// ApplyLocalSend 立即把 msg 以临时键加入时间线并返回该键。msg.ClientKey 为空时生成一个，
// 调用方应把返回的键作为 client_key 发给服务端。
func (r *Reconciler) ApplyLocalSend(room protocol.RoomKey, msg protocol.ChatMessage) string {
	if msg.ClientKey == "" {
		msg.ClientKey = uuid.NewString()
	}
	msg.ID = 0
	msg.Room = room
	l := r.room(room)
	l.pending = append(l.pending, &pendingSend{key: msg.ClientKey, msg: msg})
	return msg.ClientKey
}

// ApplyIncoming 合并一条服务端确认过的消息。重复投递返回 false 且不改变时间线。
// 带 client_key 的回显会替换对应的本地临时条目。
func (r *Reconciler) ApplyIncoming(msg protocol.ChatMessage) bool {
	if msg.ID == 0 || msg.Room == "" {
		return false
	}
	l := r.room(msg.Room)
	if msg.ClientKey != "" {
		l.dropPending(msg.SenderID, msg.ClientKey)
	}
	if _, ok := l.confirmed.Get(msg); ok {
		return false
	}
	l.confirmed.ReplaceOrInsert(msg)
	return true
}

// Merge 把历史接口返回的一页消息并入 room，返回新增条数。不属于 room 的消息被忽略。
func (r *Reconciler) Merge(room protocol.RoomKey, history []protocol.ChatMessage) int {
	added := 0
	for _, m := range history {
		if m.Room != room {
			continue
		}
		if r.ApplyIncoming(m) {
			added++
		}
	}
	return added
}

// MarkFailed 标记一条本地发送失败。失败条目留在时间线末尾供 UI 提示或重试。
func (r *Reconciler) MarkFailed(room protocol.RoomKey, key string, err error) bool {
	l, ok := r.rooms[room]
	if !ok {
		return false
	}
	for _, p := range l.pending {
		if p.key == key {
			p.err = err
			return true
		}
	}
	return false
}

// Retry 取出一条失败的发送以便重新提交，条目恢复为待确认状态。
func (r *Reconciler) Retry(room protocol.RoomKey, key string) (protocol.ChatMessage, bool) {
	l, ok := r.rooms[room]
	if !ok {
		return protocol.ChatMessage{}, false
	}
	for _, p := range l.pending {
		if p.key == key && p.err != nil {
			p.err = nil
			return p.msg, true
		}
	}
	return protocol.ChatMessage{}, false
}

// Timeline 返回 room 的当前视图：已确认消息按服务端 ID 升序，之后是按发送顺序排列的本地待确认消息。
func (r *Reconciler) Timeline(room protocol.RoomKey) []Entry {
	l, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, l.confirmed.Len()+len(l.pending))
	l.confirmed.Ascend(func(m protocol.ChatMessage) bool {
		out = append(out, Entry{Key: strconv.FormatUint(uint64(m.ID), 10), Message: m})
		return true
	})
	for _, p := range l.pending {
		out = append(out, Entry{Key: p.key, Message: p.msg, Pending: true, Err: p.err})
	}
	return out
}

// Len 返回 room 中已确认消息数。
func (r *Reconciler) Len(room protocol.RoomKey) int {
	if l, ok := r.rooms[room]; ok {
		return l.confirmed.Len()
	}
	return 0
}

// Clear 在切换房间时清空已渲染的消息；仍在途的本地发送保留，以便回显到达时能对上。
func (r *Reconciler) Clear(room protocol.RoomKey) {
	l, ok := r.rooms[room]
	if !ok {
		return
	}
	l.confirmed.Clear(false)
	kept := l.pending[:0]
	for _, p := range l.pending {
		if p.err == nil {
			kept = append(kept, p)
		}
	}
	l.pending = kept
}
