package client

import (
	"sort"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

const (
	// TypingTimeout 内没有刷新的输入状态视为已停止。
	TypingTimeout = 5 * time.Second
	// TypingRefresh 是持续输入时向外重发 typing=true 的最小间隔。
	TypingRefresh = 2 * time.Second
)

type typingKey struct {
	room protocol.RoomKey
	user uint
}

// TypingTracker 维护每个房间正在输入的用户。条目带过期时间，读取时惰性清理，不为每个事件起定时器。
// 不是并发安全的。
type TypingTracker struct {
	self    uint
	timeout time.Duration
	now     func() time.Time
	expires map[typingKey]time.Time
}

func NewTypingTracker(self uint, timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &TypingTracker{
		self:    self,
		timeout: timeout,
		now:     time.Now,
		expires: make(map[typingKey]time.Time),
	}
}

// Apply 应用一条 typing.state 推送，后到者覆盖先到者。返回该房间的输入集合是否可能变化。
func (t *TypingTracker) Apply(st protocol.TypingState) bool {
	if st.UserID == t.self {
		return false
	}
	k := typingKey{room: st.Room, user: st.UserID}
	now := t.now()
	// 已过期但尚未清理的条目等同于不存在
	exp, had := t.expires[k]
	live := had && now.Before(exp)
	if !st.Typing {
		delete(t.expires, k)
		return live
	}
	t.expires[k] = now.Add(t.timeout)
	return !live
}

// TypingUsers 返回 room 中仍在输入的用户，按 ID 升序。
func (t *TypingTracker) TypingUsers(room protocol.RoomKey) []uint {
	now := t.now()
	var out []uint
	for k, exp := range t.expires {
		if k.room != room {
			continue
		}
		if !now.Before(exp) {
			delete(t.expires, k)
			continue
		}
		out = append(out, k.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep 清除所有过期条目，返回受影响的房间。
func (t *TypingTracker) Sweep() []protocol.RoomKey {
	now := t.now()
	seen := make(map[protocol.RoomKey]struct{})
	var rooms []protocol.RoomKey
	for k, exp := range t.expires {
		if now.Before(exp) {
			continue
		}
		delete(t.expires, k)
		if _, ok := seen[k.room]; !ok {
			seen[k.room] = struct{}{}
			rooms = append(rooms, k.room)
		}
	}
	return rooms
}

// Reset 丢弃全部状态。每次建立新连接都从空开始。
func (t *TypingTracker) Reset() {
	clear(t.expires)
}

// TypingDebouncer 把按键流压缩成少量 typing.set 请求：输入开始或每隔 refresh 发一次 true，
// 停止、换房或空闲超过 refresh 时发一次 false。
type TypingDebouncer struct {
	refresh time.Duration
	now     func() time.Time
	send    func(room protocol.RoomKey, typing bool)

	room     protocol.RoomKey
	active   bool
	lastSent time.Time
	lastKey  time.Time
}

func NewTypingDebouncer(refresh time.Duration, send func(room protocol.RoomKey, typing bool)) *TypingDebouncer {
	if refresh <= 0 {
		refresh = TypingRefresh
	}
	return &TypingDebouncer{refresh: refresh, now: time.Now, send: send}
}

// Keystroke 记录一次按键。
func (d *TypingDebouncer) Keystroke(room protocol.RoomKey) {
	now := d.now()
	if d.active && d.room != room {
		d.send(d.room, false)
		d.active = false
	}
	d.lastKey = now
	if d.active && now.Sub(d.lastSent) < d.refresh {
		return
	}
	d.room = room
	d.active = true
	d.lastSent = now
	d.send(room, true)
}

// Stop 在发送消息或输入框清空时调用。
func (d *TypingDebouncer) Stop() {
	if !d.active {
		return
	}
	d.active = false
	d.send(d.room, false)
}

// Tick 由会话定期调用，空闲超过 refresh 后发送一次 false。
func (d *TypingDebouncer) Tick() {
	if d.active && d.now().Sub(d.lastKey) >= d.refresh {
		d.Stop()
	}
}

// Active 报告当前是否处于输入状态。
func (d *TypingDebouncer) Active() bool { return d.active }
