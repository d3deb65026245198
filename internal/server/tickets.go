package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"

	"github.com/gin-gonic/gin"
)

func (h *Handler) ListTickets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	tickets, err := h.svc.Tickets.List(auth.GetIdentity(c), limit)
	if err != nil {
		fail(c, err, "list tickets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

func (h *Handler) CreateTicket(c *gin.Context) {
	var req struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" || len(req.Subject) > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subject"})
		return
	}
	t, err := h.svc.Tickets.Create(auth.GetIdentity(c), req.Subject, req.Body)
	if err != nil {
		fail(c, err, "create ticket")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTicketStatus(c *gin.Context) {
	ticketID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.svc.Tickets.UpdateStatus(auth.GetIdentity(c), ticketID, req.Status)
	if err != nil {
		fail(c, err, "update ticket")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) RespondTicket(c *gin.Context) {
	ticketID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.svc.Tickets.Respond(auth.GetIdentity(c), ticketID, req.Body)
	if err != nil {
		fail(c, err, "respond ticket")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTicketResponses(c *gin.Context) {
	ticketID, ok := idParam(c, "id")
	if !ok {
		return
	}
	rows, err := h.svc.Tickets.Responses(auth.GetIdentity(c), ticketID)
	if err != nil {
		fail(c, err, "list responses")
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": rows})
}

// AssignTicket 仅管理员可用，路由层已做角色限制。
func (h *Handler) AssignTicket(c *gin.Context) {
	ticketID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		AssigneeID uint `json:"assignee_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AssigneeID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	t, err := h.svc.Tickets.Assign(auth.GetIdentity(c), ticketID, req.AssigneeID)
	if err != nil {
		fail(c, err, "assign ticket")
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListNotifications 断线期间错过的工单通知通过它补拉。
func (h *Handler) ListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := h.svc.Tickets.Notifications(auth.GetUserID(c), limit)
	if err != nil {
		fail(c, err, "list notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}
