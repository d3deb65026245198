package client

import (
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

// UnreadCounter 是会话本地的未读计数。当前活动房间的到达不计数；房间变为活动时清零。
// 全局总数是所有房间之和，与当前加入了哪些房间无关。
type UnreadCounter struct {
	active protocol.RoomKey
	counts map[protocol.RoomKey]int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: make(map[protocol.RoomKey]int)}
}

// Seed 把服务端快照并入本地计数，每个房间取两者中的较大值，活动房间除外。
// 服务端不统计会话停留中的房间，本地在断线前累计的计数不能被快照抹掉。
func (u *UnreadCounter) Seed(snapshot map[protocol.RoomKey]int) {
	for room, n := range snapshot {
		if room == u.active || n <= u.counts[room] {
			continue
		}
		u.counts[room] = n
	}
}

// SetActive 切换活动房间并把它标记为已读。传空值表示没有活动房间。
func (u *UnreadCounter) SetActive(room protocol.RoomKey) {
	u.active = room
	if room != "" {
		u.MarkRead(room)
	}
}

func (u *UnreadCounter) Active() protocol.RoomKey { return u.active }

// RecordArrival 记录一次到达；返回是否计入了未读。
func (u *UnreadCounter) RecordArrival(room protocol.RoomKey) bool {
	if room == "" || room == u.active {
		return false
	}
	u.counts[room]++
	return true
}

func (u *UnreadCounter) MarkRead(room protocol.RoomKey) {
	delete(u.counts, room)
}

func (u *UnreadCounter) CountFor(room protocol.RoomKey) int {
	return u.counts[room]
}

func (u *UnreadCounter) TotalUnread() int {
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}

// Counts 返回计数的副本。
func (u *UnreadCounter) Counts() map[protocol.RoomKey]int {
	out := make(map[protocol.RoomKey]int, len(u.counts))
	for room, n := range u.counts {
		out[room] = n
	}
	return out
}
