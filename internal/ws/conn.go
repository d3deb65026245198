package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/config"
	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 1 << 20 // 1MB
)

// Client 是一个已认证的会话连接。rooms 与 focus 由 Hub 的锁保护。
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	rooms map[protocol.RoomKey]struct{}
	focus map[protocol.RoomKind]protocol.RoomKey
}

func newClient(conn *websocket.Conn, id auth.Identity, queue int, lim *rate.Limiter) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: id,
		conn:     conn,
		send:     make(chan []byte, queue),
		limiter:  lim,
		rooms:    make(map[protocol.RoomKey]struct{}),
		focus:    make(map[protocol.RoomKind]protocol.RoomKey),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 完成握手：升级前校验 token（失败返回 401），升级后加入个人通知房间并下发 session.ready。
func Serve(h *Hub, router *Router, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Authenticate(db, cfg.JWTSecret, auth.TokenFromRequest(c.Request))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		lim := rate.NewLimiter(rate.Limit(cfg.WSInboundRate), cfg.WSInboundBurst)
		client := newClient(conn, *id, cfg.WSSendQueue, lim)
		ready, err := protocol.NewEvent(protocol.EventSessionReady, protocol.SessionReady{
			ConnID:   client.id,
			UserID:   id.UserID,
			Username: id.Username,
			Role:     id.Role,
		})
		if err != nil {
			log.Error().Err(err).Str("conn_id", client.id).Msg("encode session.ready")
			_ = conn.Close()
			return
		}
		// session.ready 必须先于任何推送，随登记一起入队
		h.Register(client, ready)
		log.Info().Str("conn_id", client.id).Uint("user_id", id.UserID).Msg("ws connected")

		go client.writePump()
		client.readPump(c.Request.Context(), router)
	}
}

func (c *Client) readPump(ctx context.Context, router *Router) {
	defer func() {
		router.Disconnect(c)
		_ = c.conn.Close()
		log.Info().Str("conn_id", c.id).Uint("user_id", c.identity.UserID).Msg("ws disconnected")
	}()
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			router.reject(c, "", "", protocol.CodeInvalidMessage, "malformed frame")
			continue
		}
		router.Handle(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
