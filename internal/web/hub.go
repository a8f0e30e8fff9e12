package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播消息
type Hub struct {
	clients    map[*websocket.Conn]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte              // 广播通道，用于接收需要发送给所有客户端的消息
	register   chan *websocket.Conn     // 注册通道，用于接收新连接
	unregister chan *websocket.Conn     // 注销通道，用于处理断开的连接
	mu         sync.Mutex               // 互斥锁，保护 clients 映射的并发访问
	done       chan struct{}            // Run 退出后关闭
	logger     *zap.Logger
}

// NewHub 创建一个新的 Hub 实例
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "ws-hub")),
	}
}

// Run 启动 Hub 的主循环，监听并处理来自各个通道的事件，ctx 取消后关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			// 向所有连接的客户端广播消息
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("写入 WebSocket 失败", zap.Error(err))
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastState 将状态序列化为 JSON 并发送到广播通道
// 通道已满时丢弃本次推送，下一次状态变化会带上全量快照
func (h *Hub) BroadcastState(state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化状态失败", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("广播队列已满，丢弃一次推送")
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有来源的连接，生产环境中应配置为特定的域名
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求，连接建立后先推送一次 initial 快照
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, initial interface{}) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", zap.Error(err))
		return
	}
	if initial != nil {
		if err := conn.WriteJSON(initial); err != nil {
			conn.Close()
			return
		}
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// 只读取以感知断开，客户端消息一律忽略
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
