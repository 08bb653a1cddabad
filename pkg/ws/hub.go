package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeStatusUpdate = "status_update" // 车辆状态更新
	MsgTypeError        = "error"         // 错误消息
)

// Message WebSocket 消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client WebSocket 客户端，按授权 ID 订阅状态更新
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	grantID string
	send    chan []byte
}

// Hub WebSocket 连接管理中心
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	// 某个授权的订阅数发生 0/非 0 变化时回调（状态服务据此启停轮询）
	onSubscribed   func(grantID string)
	onUnsubscribed func(grantID string)
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetSubscriptionHooks 设置订阅增减回调
func (h *Hub) SetSubscriptionHooks(onSubscribed, onUnsubscribed func(grantID string)) {
	h.onSubscribed = onSubscribed
	h.onUnsubscribed = onUnsubscribed
}

// Run 运行 Hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			first := h.subscriberCountLocked(client.grantID) == 1
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected",
				zap.String("grant_id", client.grantID),
				zap.Int("total_clients", h.ClientCount()))

			if first && h.onSubscribed != nil {
				h.onSubscribed(client.grantID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			last := false
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				last = h.subscriberCountLocked(client.grantID) == 0
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected",
				zap.String("grant_id", client.grantID),
				zap.Int("total_clients", h.ClientCount()))

			if last && h.onUnsubscribed != nil {
				h.onUnsubscribed(client.grantID)
			}
		}
	}
}

// subscriberCountLocked 统计某授权的订阅数，调用方必须持有锁
func (h *Hub) subscriberCountLocked(grantID string) int {
	count := 0
	for client := range h.clients {
		if client.grantID == grantID {
			count++
		}
	}
	return count
}

// SubscriberCount 某授权当前的订阅数
func (h *Hub) SubscriberCount(grantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subscriberCountLocked(grantID)
}

// BroadcastToGrant 把消息推给订阅了该授权的所有客户端
// 踢掉慢消费者后若该授权已无订阅者，与注销路径一样触发回调
func (h *Hub) BroadcastToGrant(grantID string, message []byte) {
	h.mu.Lock()
	evicted := false
	for client := range h.clients {
		if client.grantID != grantID {
			continue
		}
		select {
		case client.send <- message:
		default:
			// 慢消费者，关闭连接
			close(client.send)
			delete(h.clients, client)
			evicted = true
		}
	}
	last := evicted && h.subscriberCountLocked(grantID) == 0
	h.mu.Unlock()

	if last && h.onUnsubscribed != nil {
		h.onUnsubscribed(grantID)
	}
}

// BroadcastStatusUpdate 广播状态更新给某授权的订阅者
func (h *Hub) BroadcastStatusUpdate(grantID string, status interface{}) {
	msg := Message{
		Type: MsgTypeStatusUpdate,
		Data: status,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal status update", zap.Error(err))
		return
	}

	h.BroadcastToGrant(grantID, data)
}

// BroadcastError 向某授权的订阅者推送错误消息
func (h *Hub) BroadcastError(grantID, reason string) {
	msg := Message{
		Type: MsgTypeError,
		Data: map[string]string{"reason": reason},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	h.BroadcastToGrant(grantID, data)
}

// ClientCount 获取客户端总数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, grantID string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		grantID: grantID,
		send:    make(chan []byte, 256),
	}
}

// Register 注册客户端
func (c *Client) Register() {
	c.hub.register <- c
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	c.hub.unregister <- c
}

// ReadPump 读取消息（仅保持连接活跃，不处理客户端消息）
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
