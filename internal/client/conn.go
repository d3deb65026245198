package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State 是连接状态，暴露给 UI 做连接健康提示。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateAuthFailed 是终态，换新凭证后才能重新连接。
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	clientPongWait          = 75 * time.Second
	clientWriteWait         = 10 * time.Second
)

// ConnOptions 配置 ConnManager。
type ConnOptions struct {
	// URL 是 ws 端点，例如 ws://localhost:8080/ws。
	URL   string
	Token string

	HandshakeTimeout time.Duration
	// 重连退避：初始间隔与上限。
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

// ConnManager 为一个会话维护唯一的一条推送连接：握手、断线重连、状态发布。
// 断线期间发送直接返回 ErrNotConnected；重连后不会补发错过的事件，调用方需通过历史接口补齐。
type ConnManager struct {
	opts   ConnOptions
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	ready   protocol.SessionReady
	writeMu sync.Mutex

	events chan protocol.Envelope
	states chan State
}

func NewConnManager(opts ConnOptions) *ConnManager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &ConnManager{
		opts:   opts,
		dialer: dialer,
		log:    logger.With().Str("component", "conn").Logger(),
		events: make(chan protocol.Envelope, 256),
		states: make(chan State, 16),
	}
}

// Events 按到达顺序输出收到的帧。每次握手成功都会先输出一帧 session.ready。
func (m *ConnManager) Events() <-chan protocol.Envelope { return m.events }

// States 输出状态变化；UI 跟不上时丢弃中间状态，State() 总能取到最新值。
func (m *ConnManager) States() <-chan State { return m.states }

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready 返回最近一次握手得到的会话信息。
func (m *ConnManager) Ready() protocol.SessionReady {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *ConnManager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if !changed {
		return
	}
	m.log.Debug().Stringer("state", s).Msg("connection state")
	select {
	case m.states <- s:
	default:
	}
}

func (m *ConnManager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BackoffInitial
	b.MaxInterval = m.opts.BackoffMax
	b.Reset()
	return b
}

// Run 建立连接并在断线后按指数退避重连，直到 ctx 结束或握手被拒绝（返回 ErrAuth）。
func (m *ConnManager) Run(ctx context.Context) error {
	defer func() {
		if m.State() != StateAuthFailed {
			m.setState(StateDisconnected)
		}
	}()
	b := m.newBackoff()
	for {
		conn, ready, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				m.setState(StateAuthFailed)
				m.log.Warn().Err(err).Msg("handshake rejected")
				return err
			}
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.NextBackOff()
			m.log.Warn().Err(err).Dur("retry_in", wait).Msg("connect failed")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		b.Reset()
		m.attach(conn, ready)
		err = m.readLoop(ctx, conn)
		m.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		m.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Connect 只尝试一次握手，成功后在后台读取直到断线。用于不需要自动重连的场景。
func (m *ConnManager) Connect(ctx context.Context) (protocol.SessionReady, error) {
	conn, ready, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			m.setState(StateAuthFailed)
		} else {
			m.setState(StateDisconnected)
		}
		return protocol.SessionReady{}, err
	}
	m.attach(conn, ready)
	go func() {
		_ = m.readLoop(ctx, conn)
		m.detach(conn)
	}()
	return ready, nil
}

func (m *ConnManager) dial(ctx context.Context) (*websocket.Conn, protocol.SessionReady, error) {
	if m.State() == StateAuthFailed {
		return nil, protocol.SessionReady{}, ErrAuth
	}
	m.setState(StateConnecting)

	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	conn, resp, err := m.dialer.DialContext(hctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, protocol.SessionReady{}, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, protocol.SessionReady{}, ErrHandshakeTimeout
		}
		return nil, protocol.SessionReady{}, err
	}

	// 握手只有在收到 session.ready 后才算完成。
	deadline, _ := hctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		_ = conn.Close()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, protocol.SessionReady{}, ErrHandshakeTimeout
		}
		return nil, protocol.SessionReady{}, err
	}
	if env.Type == protocol.TypeError {
		_ = conn.Close()
		return nil, protocol.SessionReady{}, remoteError(env)
	}
	var ready protocol.SessionReady
	if env.Event != protocol.EventSessionReady || env.Decode(&ready) != nil {
		_ = conn.Close()
		return nil, protocol.SessionReady{}, fmt.Errorf("client: unexpected first frame %q", env.Event)
	}
	return conn, ready, nil
}

func (m *ConnManager) attach(conn *websocket.Conn, ready protocol.SessionReady) {
	m.mu.Lock()
	m.conn = conn
	m.ready = ready
	m.mu.Unlock()
	m.setState(StateConnected)
	m.log.Info().Str("conn_id", ready.ConnID).Uint("user_id", ready.UserID).Msg("connected")
	if env, err := protocol.NewEvent(protocol.EventSessionReady, ready); err == nil {
		m.events <- env
	}
}

func (m *ConnManager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	state := m.state
	m.mu.Unlock()
	_ = conn.Close()
	if state != StateAuthFailed {
		m.setState(StateDisconnected)
	}
}

func (m *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(clientWriteWait))
	})
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
		select {
		case m.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send 写出一帧。未连接时立即返回 ErrNotConnected。
func (m *ConnManager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteJSON(env); err != nil {
		// 写失败说明连接已不可用，读循环会随之退出并触发重连
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Request 构造请求帧并发送，返回 request_id 供调用方匹配响应。
func (m *ConnManager) Request(event string, data any) (string, error) {
	env, err := protocol.NewRequest(event, data)
	if err != nil {
		return "", err
	}
	if err := m.Send(env); err != nil {
		return "", err
	}
	return env.RequestID, nil
}

// Close 主动断开当前连接。Run 的重连由其 ctx 控制。
func (m *ConnManager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(clientWriteWait))
	m.writeMu.Unlock()
	return conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
