package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// UpdateKind 标识 UI 需要刷新的部分。
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateTimeline
	UpdateTyping
	UpdateUnread
	UpdateTickets
	UpdatePresence
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateState:
		return "state"
	case UpdateTimeline:
		return "timeline"
	case UpdateTyping:
		return "typing"
	case UpdateUnread:
		return "unread"
	case UpdateTickets:
		return "tickets"
	case UpdatePresence:
		return "presence"
	case UpdateError:
		return "error"
	}
	return fmt.Sprintf("UpdateKind(%d)", int(k))
}

// Update 通知 UI 某部分状态变了；具体内容通过会话的读取方法获取。
type Update struct {
	Kind     UpdateKind
	Room     protocol.RoomKey
	State    State
	Presence *protocol.Presence
	Err      error
}

// SessionOptions 配置 ChatSession。
type SessionOptions struct {
	Conn ConnOptions
	// API 为空时不拉取历史与未读快照。
	API *API

	HistoryLimit  int
	TypingTimeout time.Duration
	TypingRefresh time.Duration
	// SweepInterval 控制输入状态过期检查与输入防抖的节拍。
	SweepInterval time.Duration

	Logger *zerolog.Logger
}

type sendRef struct {
	room protocol.RoomKey
	key  string
}

// ChatSession 是一个登录用户的实时聊天上下文，由调用方创建并显式关闭。
// 推送事件与用户操作都在会话锁下串行处理，UI 通过 Updates 得知何时重新读取状态。
type ChatSession struct {
	self  uint
	conn  *ConnManager
	api   *API
	log   zerolog.Logger
	limit int
	sweep time.Duration

	mu       sync.Mutex
	registry *Registry
	recon    *Reconciler
	typing   *TypingTracker
	debounce *TypingDebouncer
	unread   *UnreadCounter
	tickets  *TicketFeed
	inflight map[string]sendRef
	joins    map[string]protocol.RoomKey
	closed   bool
	cancel   context.CancelFunc

	umu     sync.Mutex
	done    bool
	updates chan Update
}

// NewChatSession 为 userID 创建会话。userID 来自登录结果，用于识别自己的消息与私聊对端。
func NewChatSession(userID uint, opts SessionOptions) *ChatSession {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Uint("user_id", userID).Logger()
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = &logger
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	s := &ChatSession{
		self:     userID,
		conn:     NewConnManager(opts.Conn),
		api:      opts.API,
		log:      logger,
		limit:    opts.HistoryLimit,
		sweep:    opts.SweepInterval,
		registry: NewRegistry(userID),
		recon:    NewReconciler(),
		typing:   NewTypingTracker(userID, opts.TypingTimeout),
		unread:   NewUnreadCounter(),
		tickets:  NewTicketFeed(),
		inflight: make(map[string]sendRef),
		joins:    make(map[string]protocol.RoomKey),
		updates:  make(chan Update, 128),
	}
	s.debounce = NewTypingDebouncer(opts.TypingRefresh, s.sendTyping)
	return s
}

// Updates 在状态变化时收到提示。UI 跟不上时提示会被合并丢弃，读取方法始终返回最新状态。
// Run 返回后通道关闭，之后的提示直接丢弃。
func (s *ChatSession) Updates() <-chan Update { return s.updates }

func (s *ChatSession) emit(u Update) {
	s.umu.Lock()
	defer s.umu.Unlock()
	if s.done {
		return
	}
	select {
	case s.updates <- u:
	default:
	}
}

func (s *ChatSession) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.umu.Lock()
	defer s.umu.Unlock()
	if !s.done {
		s.done = true
		close(s.updates)
	}
}

// Run 驱动连接与事件循环，直到 ctx 结束、Close 被调用或握手被拒绝。
// 会话只能运行一次：Run 返回后会话即关闭。
func (s *ChatSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer s.finish()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.conn.Run(gctx) })
	g.Go(func() error { return s.loop(gctx) })
	err := g.Wait()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *ChatSession) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-s.conn.States():
			s.onState(st)
		case env := <-s.conn.Events():
			s.dispatch(ctx, env)
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *ChatSession) onState(st State) {
	if st == StateAuthFailed {
		s.emit(Update{Kind: UpdateError, State: st, Err: ErrAuth})
	}
	// 状态与事件走不同的通道，过时的断线通知不能影响已经恢复的连接
	if st != StateConnected && s.conn.State() != StateConnected {
		// 断线前在途的发送不会再有响应
		s.mu.Lock()
		failed := s.failInflightLocked(ErrNotConnected)
		clear(s.joins)
		s.mu.Unlock()
		for _, room := range failed {
			s.emit(Update{Kind: UpdateTimeline, Room: room})
		}
	}
	s.emit(Update{Kind: UpdateState, State: st})
}

func (s *ChatSession) failInflightLocked(err error) []protocol.RoomKey {
	var rooms []protocol.RoomKey
	for id, ref := range s.inflight {
		if s.recon.MarkFailed(ref.room, ref.key, err) {
			rooms = append(rooms, ref.room)
		}
		delete(s.inflight, id)
	}
	return rooms
}

func (s *ChatSession) tick() {
	s.mu.Lock()
	rooms := s.typing.Sweep()
	s.debounce.Tick()
	s.mu.Unlock()
	for _, room := range rooms {
		s.emit(Update{Kind: UpdateTyping, Room: room})
	}
}

func (s *ChatSession) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		s.onResponse(env)
		return
	case protocol.TypeError:
		s.onError(env)
		return
	}
	switch env.Event {
	case protocol.EventSessionReady:
		s.onReady(ctx, env)
	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := env.Decode(&msg); err != nil {
			s.log.Warn().Err(err).Str("event", env.Event).Msg("bad payload")
			return
		}
		s.onMessage(msg)
	case protocol.EventTypingState:
		var st protocol.TypingState
		if err := env.Decode(&st); err != nil {
			s.log.Warn().Err(err).Str("event", env.Event).Msg("bad payload")
			return
		}
		s.mu.Lock()
		changed := s.typing.Apply(st)
		s.mu.Unlock()
		if changed {
			s.emit(Update{Kind: UpdateTyping, Room: st.Room})
		}
	case protocol.EventRoomPresence:
		var p protocol.Presence
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Str("event", env.Event).Msg("bad payload")
			return
		}
		s.emit(Update{Kind: UpdatePresence, Room: p.Room, Presence: &p})
	case protocol.EventTicketNotification:
		var n protocol.TicketNotification
		if err := env.Decode(&n); err != nil {
			s.log.Warn().Err(err).Str("event", env.Event).Msg("bad payload")
			return
		}
		s.onNotification(n)
	default:
		s.log.Debug().Str("event", env.Event).Msg("ignored event")
	}
}

// onReady 在每次（重新）握手后恢复房间订阅并补齐断线期间错过的数据。
func (s *ChatSession) onReady(ctx context.Context, env protocol.Envelope) {
	var ready protocol.SessionReady
	if err := env.Decode(&ready); err == nil && ready.UserID != s.self {
		s.log.Error().Uint("session_user", ready.UserID).Msg("session belongs to another user")
	}
	s.mu.Lock()
	s.typing.Reset()
	intents := s.registry.Rejoin()
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateTyping})

	for _, in := range intents {
		if err := s.sendIntent(in); err != nil {
			s.log.Warn().Err(err).Str("room", string(in.Room)).Msg("rejoin failed")
		}
	}
	if s.api == nil {
		return
	}
	if snap, err := s.api.UnreadSnapshot(ctx); err != nil {
		s.log.Warn().Err(err).Msg("unread snapshot")
	} else {
		s.mu.Lock()
		s.unread.Seed(snap)
		s.mu.Unlock()
		s.emit(Update{Kind: UpdateUnread})
	}
	for _, in := range intents {
		s.refresh(ctx, in.Room, false)
	}
}

func (s *ChatSession) onMessage(msg protocol.ChatMessage) {
	s.mu.Lock()
	added := s.recon.ApplyIncoming(msg)
	counted := added && msg.SenderID != s.self && s.unread.RecordArrival(msg.Room)
	s.mu.Unlock()
	if !added {
		return
	}
	s.emit(Update{Kind: UpdateTimeline, Room: msg.Room})
	if counted {
		s.emit(Update{Kind: UpdateUnread, Room: msg.Room})
	}
}

func (s *ChatSession) onNotification(n protocol.TicketNotification) {
	s.mu.Lock()
	changed := s.tickets.Apply(n)
	if changed {
		s.unread.RecordArrival(protocol.UserRoom(s.self))
	}
	s.mu.Unlock()
	if changed {
		s.emit(Update{Kind: UpdateTickets})
		s.emit(Update{Kind: UpdateUnread, Room: protocol.UserRoom(s.self)})
	}
}

func (s *ChatSession) onResponse(env protocol.Envelope) {
	s.mu.Lock()
	delete(s.inflight, env.RequestID)
	delete(s.joins, env.RequestID)
	s.mu.Unlock()
}

func (s *ChatSession) onError(env protocol.Envelope) {
	rerr := remoteError(env)
	s.mu.Lock()
	ref, isSend := s.inflight[env.RequestID]
	delete(s.inflight, env.RequestID)
	joinRoom, isJoin := s.joins[env.RequestID]
	delete(s.joins, env.RequestID)
	if isSend {
		s.recon.MarkFailed(ref.room, ref.key, rerr)
	}
	if isJoin && (errors.Is(rerr, ErrForbidden) || errors.Is(rerr, ErrInvalidRoom)) {
		// 服务端拒绝的房间不再保留为焦点，否则每次重连都会重试
		s.registry.Leave(joinRoom)
	}
	s.mu.Unlock()

	ev := s.log.Warn().Str("event", rerr.Event).Str("code", rerr.Code)
	switch {
	case isSend:
		ev.Str("room", string(ref.room)).Msg("send rejected")
		s.emit(Update{Kind: UpdateTimeline, Room: ref.room})
		s.emit(Update{Kind: UpdateError, Room: ref.room, Err: rerr})
	case isJoin:
		ev.Str("room", string(joinRoom)).Msg("join rejected")
		s.emit(Update{Kind: UpdateError, Room: joinRoom, Err: rerr})
	default:
		ev.Msg("request rejected")
		s.emit(Update{Kind: UpdateError, Err: rerr})
	}
}

func (s *ChatSession) sendIntent(in Intent) error {
	env, err := protocol.NewRequest(in.Event, protocol.RoomRequest{Room: in.Room})
	if err != nil {
		return err
	}
	if in.Event == protocol.EventRoomJoin {
		s.mu.Lock()
		s.joins[env.RequestID] = in.Room
		s.mu.Unlock()
	}
	if err := s.conn.Send(env); err != nil {
		s.mu.Lock()
		delete(s.joins, env.RequestID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Open 把 room 设为当前视图：必要时离开同类旧房间并加入新房间，清空已渲染的时间线，
// 再拉取历史并与期间到达的推送合并。未连接时仍会记录焦点，重连后自动加入。
func (s *ChatSession) Open(ctx context.Context, room protocol.RoomKey) error {
	if err := s.checkRoom(room); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	intents := s.registry.Join(room)
	s.unread.SetActive(room)
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateUnread, Room: room})

	var sendErr error
	for _, in := range intents {
		if err := s.sendIntent(in); err != nil {
			sendErr = err
		}
	}
	if err := s.refresh(ctx, room, true); err != nil {
		return err
	}
	return sendErr
}

// OpenGrade 打开年级聊天。
func (s *ChatSession) OpenGrade(ctx context.Context, gradeID uint) error {
	return s.Open(ctx, protocol.GradeRoom(gradeID))
}

// OpenDirect 打开与 peerID 的私聊。
func (s *ChatSession) OpenDirect(ctx context.Context, peerID uint) error {
	if peerID == 0 || peerID == s.self {
		return ErrInvalidRoom
	}
	return s.Open(ctx, protocol.DirectRoom(s.self, peerID))
}

// Leave 离开 room；离开当前视图后不再有活动房间。
func (s *ChatSession) Leave(room protocol.RoomKey) error {
	s.mu.Lock()
	intents := s.registry.Leave(room)
	if s.unread.Active() == room {
		s.unread.SetActive("")
	}
	if s.debounce.Active() {
		s.debounce.Stop()
	}
	s.mu.Unlock()
	for _, in := range intents {
		if err := s.sendIntent(in); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChatSession) checkRoom(room protocol.RoomKey) error {
	switch room.Kind() {
	case protocol.KindGrade:
		if _, ok := room.GradeID(); ok {
			return nil
		}
	case protocol.KindDirect:
		if _, ok := room.Peer(s.self); ok {
			return nil
		}
	}
	return ErrInvalidRoom
}

// refresh 拉取 room 的最新一页历史。reset 为真时先清空已渲染的时间线。
func (s *ChatSession) refresh(ctx context.Context, room protocol.RoomKey, reset bool) error {
	if reset {
		s.mu.Lock()
		s.recon.Clear(room)
		s.mu.Unlock()
	}
	if s.api != nil {
		var (
			history []protocol.ChatMessage
			err     error
		)
		q := HistoryQuery{Limit: s.limit}
		if gid, ok := room.GradeID(); ok {
			history, err = s.api.GradeHistory(ctx, gid, q)
		} else if peer, ok := room.Peer(s.self); ok {
			history, err = s.api.DirectHistory(ctx, peer, q)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("room", string(room)).Msg("history fetch")
			s.emit(Update{Kind: UpdateTimeline, Room: room})
			return fmt.Errorf("client: history %s: %w", room, err)
		}
		s.mu.Lock()
		s.recon.Merge(room, history)
		s.mu.Unlock()
	}
	s.emit(Update{Kind: UpdateTimeline, Room: room})
	return nil
}

// Send 乐观地把消息加入 room 的时间线并发给服务端，返回临时键。room 必须已经通过 Open 加入，
// 否则服务端回显不会送达本会话，返回 ErrNotJoined。
// 发送失败时条目保留并标记错误，返回的错误同时交给调用方（未连接时为 ErrNotConnected）。
func (s *ChatSession) Send(room protocol.RoomKey, content string) (string, error) {
	if err := s.checkRoom(room); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if !s.registry.Has(room) {
		s.mu.Unlock()
		return "", ErrNotJoined
	}
	msg := protocol.ChatMessage{SenderID: s.self, Content: content, Type: messageType(room), CreatedAt: time.Now()}
	if peer, ok := room.Peer(s.self); ok {
		msg.RecipientID = peer
	}
	key := s.recon.ApplyLocalSend(room, msg)
	if s.debounce.Active() {
		s.debounce.Stop()
	}
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateTimeline, Room: room})
	return key, s.submit(room, key, content)
}

// Retry 重新提交一条失败的发送，沿用原来的 client_key，服务端据此去重。
func (s *ChatSession) Retry(room protocol.RoomKey, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.registry.Has(room) {
		s.mu.Unlock()
		return ErrNotJoined
	}
	msg, ok := s.recon.Retry(room, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: no failed send %q in %s", key, room)
	}
	s.emit(Update{Kind: UpdateTimeline, Room: room})
	return s.submit(room, key, msg.Content)
}

func (s *ChatSession) SendGrade(gradeID uint, content string) (string, error) {
	return s.Send(protocol.GradeRoom(gradeID), content)
}

func (s *ChatSession) SendDirect(peerID uint, content string) (string, error) {
	if peerID == 0 || peerID == s.self {
		return "", ErrInvalidRoom
	}
	return s.Send(protocol.DirectRoom(s.self, peerID), content)
}

func messageType(room protocol.RoomKey) string {
	if room.Kind() == protocol.KindDirect {
		return "unicast"
	}
	return "grade"
}

func (s *ChatSession) submit(room protocol.RoomKey, key, content string) error {
	var (
		env protocol.Envelope
		err error
	)
	if gid, ok := room.GradeID(); ok {
		env, err = protocol.NewRequest(protocol.EventGradeSend, protocol.GradeSendRequest{GradeID: gid, Content: content, ClientKey: key})
	} else {
		peer, _ := room.Peer(s.self)
		env, err = protocol.NewRequest(protocol.EventDirectSend, protocol.DirectSendRequest{RecipientID: peer, Content: content, ClientKey: key})
	}
	if err == nil {
		// 先登记再发送，响应可能在 Send 返回前到达
		s.mu.Lock()
		s.inflight[env.RequestID] = sendRef{room: room, key: key}
		s.mu.Unlock()
		err = s.conn.Send(env)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, env.RequestID)
		s.recon.MarkFailed(room, key, err)
		s.mu.Unlock()
		s.emit(Update{Kind: UpdateTimeline, Room: room})
		return err
	}
	return nil
}

// Keystroke 在输入框有输入时调用，内部防抖后发送 typing.set。
func (s *ChatSession) Keystroke(room protocol.RoomKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registry.Has(room) || room.Kind() == protocol.KindUser {
		return
	}
	s.debounce.Keystroke(room)
}

// SetTyping 直接设置输入状态；false 会立即发出停止事件。
func (s *ChatSession) SetTyping(room protocol.RoomKey, typing bool) {
	if typing {
		s.Keystroke(room)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce.Stop()
}

// sendTyping 由防抖器在持有会话锁时调用。
func (s *ChatSession) sendTyping(room protocol.RoomKey, typing bool) {
	if _, err := s.conn.Request(protocol.EventTypingSet, protocol.TypingRequest{Room: room, Typing: typing}); err != nil {
		s.log.Debug().Err(err).Str("room", string(room)).Msg("typing not sent")
	}
}

// LoadTickets 拉取工单列表作为通知合并的基础。
func (s *ChatSession) LoadTickets(ctx context.Context) error {
	if s.api == nil {
		return nil
	}
	list, err := s.api.Tickets(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tickets.Load(list)
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateTickets})
	return nil
}

// MarkNotificationsRead 清零工单通知的未读数，并同步清零服务端计数，避免重连后的快照把它带回来。
func (s *ChatSession) MarkNotificationsRead(ctx context.Context) error {
	room := protocol.UserRoom(s.self)
	s.mu.Lock()
	s.unread.MarkRead(room)
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateUnread, Room: room})
	if s.api == nil {
		return nil
	}
	return s.api.MarkRead(ctx, room)
}

func (s *ChatSession) UserID() uint { return s.self }

func (s *ChatSession) State() State { return s.conn.State() }

func (s *ChatSession) Timeline(room protocol.RoomKey) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recon.Timeline(room)
}

func (s *ChatSession) TypingUsers(room protocol.RoomKey) []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.TypingUsers(room)
}

func (s *ChatSession) UnreadFor(room protocol.RoomKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.CountFor(room)
}

func (s *ChatSession) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.TotalUnread()
}

func (s *ChatSession) Tickets() []protocol.TicketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets.List()
}

func (s *ChatSession) ActiveRooms() []protocol.RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ActiveRooms()
}

// Close 停止重连并关闭连接，之后 Run 返回 nil。
func (s *ChatSession) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	} else {
		// 从未运行过的会话没有 Run 来关闭更新通道
		s.finish()
	}
	return s.conn.Close()
}
