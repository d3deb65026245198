package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// RoomKind 房间类别。
type RoomKind string

const (
	KindGrade  RoomKind = "grade"
	KindDirect RoomKind = "direct"
	KindUser   RoomKind = "user"
)

// RoomKey 是房间的规范字符串形式：grade:<id>、direct:<小 id>:<大 id>、user:<id>。
type RoomKey string

func GradeRoom(gradeID uint) RoomKey {
	return RoomKey("grade:" + strconv.FormatUint(uint64(gradeID), 10))
}

// DirectRoom 两个参与者顺序无关，始终返回同一个键。
func DirectRoom(a, b uint) RoomKey {
	if a > b {
		a, b = b, a
	}
	return RoomKey(fmt.Sprintf("direct:%d:%d", a, b))
}

func UserRoom(userID uint) RoomKey {
	return RoomKey("user:" + strconv.FormatUint(uint64(userID), 10))
}

// ParseRoomKey 校验并规范化房间键。
func ParseRoomKey(s string) (RoomKey, error) {
	parts := strings.Split(s, ":")
	ids := make([]uint, 0, 2)
	for _, p := range parts[1:] {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil || n == 0 {
			return "", fmt.Errorf("protocol: invalid room key %q", s)
		}
		ids = append(ids, uint(n))
	}
	switch RoomKind(parts[0]) {
	case KindGrade:
		if len(ids) == 1 {
			return GradeRoom(ids[0]), nil
		}
	case KindUser:
		if len(ids) == 1 {
			return UserRoom(ids[0]), nil
		}
	case KindDirect:
		if len(ids) == 2 && ids[0] != ids[1] {
			return DirectRoom(ids[0], ids[1]), nil
		}
	}
	return "", fmt.Errorf("protocol: invalid room key %q", s)
}

func (k RoomKey) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return RoomKind(kind)
}

func (k RoomKey) ids() []uint {
	parts := strings.Split(string(k), ":")
	out := make([]uint, 0, 2)
	for _, p := range parts[1:] {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil
		}
		out = append(out, uint(n))
	}
	return out
}

// GradeID 仅对年级房间有效。
func (k RoomKey) GradeID() (uint, bool) {
	ids := k.ids()
	if k.Kind() != KindGrade || len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

// UserID 仅对个人通知房间有效。
func (k RoomKey) UserID() (uint, bool) {
	ids := k.ids()
	if k.Kind() != KindUser || len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

// Participants 返回私聊房间的两个参与者。
func (k RoomKey) Participants() (uint, uint, bool) {
	ids := k.ids()
	if k.Kind() != KindDirect || len(ids) != 2 {
		return 0, 0, false
	}
	return ids[0], ids[1], true
}

// Peer 返回私聊房间中 self 以外的另一方。
func (k RoomKey) Peer(self uint) (uint, bool) {
	a, b, ok := k.Participants()
	switch {
	case !ok:
		return 0, false
	case a == self:
		return b, true
	case b == self:
		return a, true
	}
	return 0, false
}

func (k RoomKey) String() string { return string(k) }
