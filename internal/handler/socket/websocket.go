package socket

import (
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// Hub is the part of the relay the transport needs.
type Hub interface {
	Connect(sink relay.Sink, remoteAddr, userAgent string, role session.Role) string
	Dispatch(connID string, raw []byte)
	Disconnect(connID string)
}

// Handler WebSocket 传输层，把每条连接桥接到 relay hub。
type Handler struct {
	hub       Hub
	queueSize int
	upgrader  websocket.Upgrader
}

// New 创建 WebSocket 处理器。allowedOrigins 为空或包含 "*" 时接受任意来源。
func New(hub Hub, allowedOrigins []string, queueSize int) *Handler {
	return &Handler{
		hub:       hub,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := session.RoleUnknown
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		role = session.ParseRole(strings.ToLower(raw))
		if role == session.RoleUnknown {
			http.Error(w, "role must be client or console", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	sink := relay.NewQueueSink(h.queueSize)
	connID := h.hub.Connect(sink, r.RemoteAddr, r.UserAgent(), role)
	log.Printf("[websocket] new connection id=%s remote=%s", connID, r.RemoteAddr)

	go h.writePump(conn, sink)
	h.readPump(conn, connID, sink)
}

// readPump 读取入站帧直到连接断开，然后通知 hub。
func (h *Handler) readPump(conn *websocket.Conn, connID string, sink *relay.QueueSink) {
	defer func() {
		h.hub.Disconnect(connID)
		sink.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error id=%s: %v", connID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		h.hub.Dispatch(connID, data)
	}
}

// writePump 是该连接唯一的写入者：转发 hub 消息并定期发送 ping。
func (h *Handler) writePump(conn *websocket.Conn, sink *relay.QueueSink) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-sink.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[websocket] write failed: %v", err)
				sink.Close()
				return
			}
		case <-sink.Done():
			flush(conn, sink)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sink.Close()
				return
			}
		}
	}
}

// flush writes whatever the hub queued before the sink was closed.
func flush(conn *websocket.Conn, sink *relay.QueueSink) {
	for {
		select {
		case msg := <-sink.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients such as relayprobe
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
