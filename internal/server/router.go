package server

import (
	"net/http"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/config"
	"github.com/CloudcraftTeche/cog-sub003/internal/metrics"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
	"github.com/CloudcraftTeche/cog-sub003/internal/mw"
	"github.com/CloudcraftTeche/cog-sub003/internal/service"
	"github.com/CloudcraftTeche/cog-sub003/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// NewServices 组装业务层。hub 同时充当消息扇出的 Publisher 和在线人数来源。
func NewServices(cfg config.Config, db *gorm.DB, hub *ws.Hub, unread service.UnreadStore) Services {
	access := service.NewAccess(db)
	msgs := service.NewMessageService(db)
	grades := service.NewGradeService(db, hub)
	return Services{
		Users:   service.NewUserService(db, cfg),
		Grades:  grades,
		Access:  access,
		Msgs:    msgs,
		Chat:    service.NewChatService(access, msgs, grades, unread, hub),
		Tickets: service.NewTicketService(db, hub, unread),
	}
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, svc Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，避免教学环境被刷爆。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(svc)
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	admin := auth.RequireRole(models.RoleAdmin)

	authed.GET("/me", h.Me)
	authed.POST("/users", admin, h.CreateUser)

	authed.GET("/grades", h.ListGrades)
	authed.POST("/grades", admin, h.CreateGrade)
	authed.POST("/grades/:id/members", admin, h.AddGradeMember)
	authed.GET("/grades/:id/messages", h.ListGradeMessages)
	authed.POST("/grades/:id/messages", h.SendGradeMessage)

	authed.GET("/direct/:peer_id/messages", h.ListDirectMessages)
	authed.POST("/direct/:peer_id/messages", h.SendDirectMessage)

	authed.GET("/unread", h.Unread)
	authed.POST("/unread/read", h.MarkRead)

	authed.GET("/tickets", h.ListTickets)
	authed.POST("/tickets", h.CreateTicket)
	authed.POST("/tickets/:id/status", h.UpdateTicketStatus)
	authed.GET("/tickets/:id/responses", h.ListTicketResponses)
	authed.POST("/tickets/:id/responses", h.RespondTicket)
	authed.POST("/tickets/:id/assign", admin, h.AssignTicket)
	authed.GET("/notifications", h.ListNotifications)

	r.GET("/ws", ws.Serve(hub, ws.NewRouter(hub, svc.Chat), db, cfg))
	return r
}
