package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketMessage 推送给员工客户端的消息
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	StaffID   uint        `json:"staff_id"`
	Timestamp time.Time   `json:"timestamp"`
}

type WebSocketClient struct {
	ID      string
	StaffID uint
	Conn    *websocket.Conn
	Send    chan WebSocketMessage
	Hub     *NotificationHub
}

// NotificationHub 按员工 ID 管理 WebSocket 连接，一个员工可有多个连接
type NotificationHub struct {
	clients    map[uint]map[string]*WebSocketClient
	deliver    chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 鉴权在上游网关完成
	},
}

func NewNotificationHub(logger *logrus.Logger) *NotificationHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHub{
		clients:    make(map[uint]map[string]*WebSocketClient),
		deliver:    make(chan WebSocketMessage, 64),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 处理注册、注销与投递，直到 ctx 结束
func (h *NotificationHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for _, conns := range h.clients {
				for _, c := range conns {
					close(c.Send)
				}
			}
			h.clients = make(map[uint]map[string]*WebSocketClient)
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			if h.clients[client.StaffID] == nil {
				h.clients[client.StaffID] = make(map[string]*WebSocketClient)
			}
			h.clients[client.StaffID][client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Staff %d connected (%s)", client.StaffID, client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			h.drop(client)
			h.mutex.Unlock()

		case message := <-h.deliver:
			h.mutex.Lock()
			for _, client := range h.clients[message.StaffID] {
				select {
				case client.Send <- message:
				default:
					// 发送缓冲已满，视为慢客户端断开
					h.drop(client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// drop 调用方持有写锁
func (h *NotificationHub) drop(client *WebSocketClient) {
	conns := h.clients[client.StaffID]
	if _, ok := conns[client.ID]; !ok {
		return
	}
	delete(conns, client.ID)
	if len(conns) == 0 {
		delete(h.clients, client.StaffID)
	}
	close(client.Send)
	h.logger.Infof("Staff %d disconnected (%s)", client.StaffID, client.ID)
}

// Serve 升级连接并为 staffID 注册客户端
func (h *NotificationHub) Serve(w http.ResponseWriter, r *http.Request, staffID uint) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	client := &WebSocketClient{
		ID:      "client_" + uuid.NewString(),
		StaffID: staffID,
		Conn:    conn,
		Send:    make(chan WebSocketMessage, 256),
		Hub:     h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return fmt.Errorf("notification hub stopped")
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// SendToStaff 推送消息给员工的全部在线连接；离线时丢弃
func (h *NotificationHub) SendToStaff(staffID uint, msgType string, data interface{}) {
	msg := WebSocketMessage{Type: msgType, Data: data, StaffID: staffID, Timestamp: time.Now()}
	select {
	case h.deliver <- msg:
	default:
		h.logger.Warnf("notification hub backlog full, dropping push to staff %d", staffID)
	}
}

// IsOnline 员工当前是否有在线连接
func (h *NotificationHub) IsOnline(staffID uint) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[staffID]) > 0
}

func (h *NotificationHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// readPump 只用于保活与检测断开，客户端消息被忽略
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
