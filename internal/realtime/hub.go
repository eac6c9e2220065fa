package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/monitoring"
)

// InboxStore 校验订阅会话所需的存储接口。
type InboxStore interface {
	GetInboxBySession(sessionID string) (*domain.Inbox, error)
}

// MessageType 定义 WebSocket 消息类型
type MessageType string

const (
	MessageTypeNewEmail     MessageType = "new_email"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

// Message 定义 WebSocket 消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEmailData 新邮件推送的摘要数据。
//
// 只推送摘要，正文和附件由客户端按需拉取；
// 推送后到达的订阅者不会收到补发。
type NewEmailData struct {
	MessageID       string `json:"messageId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Subject         string `json:"subject"`
	Preview         string `json:"preview,omitempty"`
	HasHTML         bool   `json:"hasHtml"`
	HasText         bool   `json:"hasText"`
	AttachmentCount int    `json:"attachmentCount"`
	ReceivedAt      string `json:"receivedAt"`
}

// Client 代表一个 WebSocket 订阅者连接
type Client struct {
	ID       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	sessions map[string]bool // 已订阅的会话 ID
	mu       sync.Mutex
	log      *zap.Logger
}

// Hub 维护 会话 ID → 订阅者集合 的实时推送注册表。
//
// 注册、注销和广播都经由 Run 的单协程处理或互斥锁保护，
// 并发 订阅/退订/广播 不会竞态。空集合即时回收。
// 对断开瞬间的订阅者不做投递保证。
type Hub struct {
	clients  map[string]*Client            // clientID -> Client
	sessions map[string]map[string]*Client // sessionID -> clientID -> Client

	register   chan *Client
	unregister chan *Client

	mu             sync.RWMutex
	store          InboxStore
	allowedOrigins []string
	sendBuffer     int
	log            *zap.Logger
}

// NewHub 创建实时推送 Hub。
func NewHub(store InboxStore, allowedOrigins []string, sendBuffer int, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBuffer <= 0 {
		sendBuffer = 16
	}

	return &Hub{
		clients:        make(map[string]*Client),
		sessions:       make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		store:          store,
		allowedOrigins: allowedOrigins,
		sendBuffer:     sendBuffer,
		log:            log.With(zap.String("component", "realtime")),
	}
}

// Run 驱动注册表并消费持久化事件，直到 ctx 取消。
//
// events 由入库管道产出：只有真正插入（非去重丢弃）的邮件
// 才会到达这里。
func (h *Hub) Run(ctx context.Context, events <-chan ingest.Event) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Realtime hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			monitoring.RealtimeConnections.Inc()
			h.log.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event, ok := <-events:
			if !ok {
				h.log.Info("Event channel closed")
				h.closeAllClients()
				return
			}
			h.fanOut(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// fanOut 将持久化事件多播给该会话的所有订阅者。
func (h *Hub) fanOut(event ingest.Event) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.sessions[event.SessionID]))
	for _, client := range h.sessions[event.SessionID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	message := event.Message
	preview := message.TextBody
	if len(preview) > 100 {
		preview = preview[:100]
	}

	data, err := json.Marshal(NewEmailData{
		MessageID:       message.ID,
		From:            message.FromAddress,
		To:              message.ToAddress,
		Subject:         message.Subject,
		Preview:         preview,
		HasHTML:         message.HTMLBody != "",
		HasText:         message.TextBody != "",
		AttachmentCount: message.AttachmentCount,
		ReceivedAt:      message.ReceivedAt.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("Failed to marshal new email data", zap.Error(err))
		return
	}

	payload, err := json.Marshal(&Message{
		Type:      MessageTypeNewEmail,
		SessionID: event.SessionID,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Error("Failed to marshal push message", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- payload:
			monitoring.RealtimeEventsDelivered.Inc()
		default:
			// 慢订阅者丢弃本条，不阻塞其他订阅者
			monitoring.RealtimeEventsDropped.Inc()
			h.log.Warn("Subscriber buffer full, dropping push",
				zap.String("client_id", client.ID))
		}
	}
}

// SubscriberCount 返回指定会话当前的订阅者数量。
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// removeClient 注销客户端并清理其全部订阅。
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}

	for sessionID := range client.sessions {
		if subscribers, exists := h.sessions[sessionID]; exists {
			delete(subscribers, client.ID)
			if len(subscribers) == 0 {
				delete(h.sessions, sessionID)
			}
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	monitoring.RealtimeConnections.Dec()
	h.log.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// pingAllClients 向所有客户端发送应用层 ping。
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接。
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.sessions = make(map[string]map[string]*Client)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket 处理 WebSocket 连接升级。
//
// 连接本身不要求认证：订阅时逐会话校验 SessionID 是否
// 对应一个满足活跃谓词的收件箱。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("Failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			conn:     conn,
			send:     make(chan []byte, hub.sendBuffer),
			hub:      hub,
			sessions: make(map[string]bool),
			log:      hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("Websocket read error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.SessionID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.SessionID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("Unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 订阅一个会话，先校验会话对应活跃收件箱。
func (c *Client) subscribe(sessionID string) {
	if sessionID == "" {
		c.sendError("session ID is required")
		return
	}

	if _, err := c.hub.store.GetInboxBySession(sessionID); err != nil {
		c.log.Warn("Subscription denied",
			zap.String("client_id", c.ID),
			zap.Error(err))
		c.sendError("invalid session")
		return
	}

	c.mu.Lock()
	c.sessions[sessionID] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.sessions[sessionID] == nil {
		c.hub.sessions[sessionID] = make(map[string]*Client)
	}
	c.hub.sessions[sessionID][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Debug("Subscribed",
		zap.String("client_id", c.ID))

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// unsubscribe 退订一个会话，空集合即时回收。
func (c *Client) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if subscribers, exists := c.hub.sessions[sessionID]; exists {
		delete(subscribers, c.ID)
		if len(subscribers) == 0 {
			delete(c.hub.sessions, sessionID)
		}
	}
	c.hub.mu.Unlock()

	c.sendMessage(&Message{
		Type:      MessageTypeUnsubscribed,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("Client channel blocked", zap.String("client_id", c.ID))
	}
}
