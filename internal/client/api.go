package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"
)

// APIError 是 REST 接口返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: http %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrInvalidRoom:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// LoginResult 是登录接口的响应。
type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID       uint   `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"user"`
}

// API 封装会话用到的历史读取与发送接口。
type API struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI 创建 REST 客户端，baseURL 形如 http://localhost:8080。
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: baseURL, token: token, http: hc}
}

// WithToken 返回使用另一个 access token 的副本。
func (a *API) WithToken(token string) *API {
	cp := *a
	cp.token = token
	return &cp
}

func (a *API) Token() string { return a.token }

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := a.base + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

// Login 用账号密码换取 token，不修改当前 API 的 token。
func (a *API) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	err := a.do(ctx, http.MethodPost, "/auth/login", nil, map[string]string{"username": username, "password": password}, &out)
	return out, err
}

// HistoryQuery 是历史分页参数；BeforeID 为 0 表示最新一页。
type HistoryQuery struct {
	Limit    int
	BeforeID uint
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.BeforeID > 0 {
		v.Set("before_id", strconv.FormatUint(uint64(q.BeforeID), 10))
	}
	return v
}

type historyPage struct {
	Room     protocol.RoomKey       `json:"room"`
	Messages []protocol.ChatMessage `json:"messages"`
}

// GradeHistory 拉取年级房间的历史消息，旧的在前。
func (a *API) GradeHistory(ctx context.Context, gradeID uint, q HistoryQuery) ([]protocol.ChatMessage, error) {
	var page historyPage
	err := a.do(ctx, http.MethodGet, "/grades/"+strconv.FormatUint(uint64(gradeID), 10)+"/messages", q.values(), nil, &page)
	return page.Messages, err
}

// DirectHistory 拉取与 peerID 的私聊历史，旧的在前。
func (a *API) DirectHistory(ctx context.Context, peerID uint, q HistoryQuery) ([]protocol.ChatMessage, error) {
	var page historyPage
	err := a.do(ctx, http.MethodGet, "/direct/"+strconv.FormatUint(uint64(peerID), 10)+"/messages", q.values(), nil, &page)
	return page.Messages, err
}

// UnreadSnapshot 返回服务端记录的未读计数。
func (a *API) UnreadSnapshot(ctx context.Context) (map[protocol.RoomKey]int, error) {
	var out struct {
		Unread map[protocol.RoomKey]int `json:"unread"`
	}
	err := a.do(ctx, http.MethodGet, "/unread", nil, nil, &out)
	return out.Unread, err
}

func (a *API) MarkRead(ctx context.Context, room protocol.RoomKey) error {
	return a.do(ctx, http.MethodPost, "/unread/read", nil, protocol.RoomRequest{Room: room}, nil)
}

// Tickets 返回当前用户可见的工单，新的在前。
func (a *API) Tickets(ctx context.Context) ([]protocol.TicketSnapshot, error) {
	var out struct {
		Tickets []protocol.TicketSnapshot `json:"tickets"`
	}
	err := a.do(ctx, http.MethodGet, "/tickets", nil, nil, &out)
	return out.Tickets, err
}

type sendBody struct {
	Content   string `json:"content"`
	ClientKey string `json:"client_key,omitempty"`
}

// SendGrade 通过 REST 发送年级消息；服务端同样会推送给房间内所有连接。
func (a *API) SendGrade(ctx context.Context, gradeID uint, content, clientKey string) (protocol.ChatMessage, error) {
	var msg protocol.ChatMessage
	err := a.do(ctx, http.MethodPost, "/grades/"+strconv.FormatUint(uint64(gradeID), 10)+"/messages", nil, sendBody{content, clientKey}, &msg)
	return msg, err
}

func (a *API) SendDirect(ctx context.Context, peerID uint, content, clientKey string) (protocol.ChatMessage, error) {
	var msg protocol.ChatMessage
	err := a.do(ctx, http.MethodPost, "/direct/"+strconv.FormatUint(uint64(peerID), 10)+"/messages", nil, sendBody{content, clientKey}, &msg)
	return msg, err
}

// CreateTicket 提交一个新工单。
func (a *API) CreateTicket(ctx context.Context, subject, body string) (protocol.TicketSnapshot, error) {
	var t protocol.TicketSnapshot
	err := a.do(ctx, http.MethodPost, "/tickets", nil, map[string]string{"subject": subject, "body": body}, &t)
	return t, err
}

func (a *API) RespondTicket(ctx context.Context, ticketID uint, body string) (protocol.TicketSnapshot, error) {
	var t protocol.TicketSnapshot
	err := a.do(ctx, http.MethodPost, "/tickets/"+strconv.FormatUint(uint64(ticketID), 10)+"/responses", nil, map[string]string{"body": body}, &t)
	return t, err
}

func (a *API) SetTicketStatus(ctx context.Context, ticketID uint, status string) (protocol.TicketSnapshot, error) {
	var t protocol.TicketSnapshot
	err := a.do(ctx, http.MethodPost, "/tickets/"+strconv.FormatUint(uint64(ticketID), 10)+"/status", nil, map[string]string{"status": status}, &t)
	return t, err
}

func (a *API) AssignTicket(ctx context.Context, ticketID, assigneeID uint) (protocol.TicketSnapshot, error) {
	var t protocol.TicketSnapshot
	err := a.do(ctx, http.MethodPost, "/tickets/"+strconv.FormatUint(uint64(ticketID), 10)+"/assign", nil, map[string]uint{"assignee_id": assigneeID}, &t)
	return t, err
}
