package client

import (
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

// TicketFeed 是已拉取的工单列表，按推送的通知就地更新或插到最前。
// 合并以 Version 判断新旧，重复或过期的通知不会回退状态。
type TicketFeed struct {
	items []protocol.TicketSnapshot
	index map[uint]int
}

func NewTicketFeed() *TicketFeed {
	return &TicketFeed{index: make(map[uint]int)}
}

// Load 用历史接口返回的列表（新的在前）替换当前内容。
func (f *TicketFeed) Load(list []protocol.TicketSnapshot) {
	f.items = f.items[:0]
	clear(f.index)
	for _, t := range list {
		if i, ok := f.index[t.ID]; ok {
			if t.Version > f.items[i].Version {
				f.items[i] = t
			}
			continue
		}
		f.index[t.ID] = len(f.items)
		f.items = append(f.items, t)
	}
}

// Apply 合并一条通知，返回列表是否发生变化。
func (f *TicketFeed) Apply(n protocol.TicketNotification) bool {
	t := n.Ticket
	if t.ID == 0 {
		return false
	}
	if i, ok := f.index[t.ID]; ok {
		if t.Version <= f.items[i].Version {
			return false
		}
		f.items[i] = t
		return true
	}
	f.items = append([]protocol.TicketSnapshot{t}, f.items...)
	for id := range f.index {
		f.index[id]++
	}
	f.index[t.ID] = 0
	return true
}

// Get 按 ID 查找工单。
func (f *TicketFeed) Get(id uint) (protocol.TicketSnapshot, bool) {
	i, ok := f.index[id]
	if !ok {
		return protocol.TicketSnapshot{}, false
	}
	return f.items[i], true
}

// List 返回列表副本。
func (f *TicketFeed) List() []protocol.TicketSnapshot {
	out := make([]protocol.TicketSnapshot, len(f.items))
	copy(out, f.items)
	return out
}
