package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ManagerOptions struct {
	// Origin 前缀白名单；为空表示不校验
	AllowedOrigins []string
	SendQueue      int
	ReadLimit      int64
	Logger         *slog.Logger
}

type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
	opt      ManagerOptions
	logger   *slog.Logger
}

func NewManager(h *Hub, opt ManagerOptions) *Manager {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	m := &Manager{h: h, opt: opt, logger: opt.Logger}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.opt.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// 一些环境不发送 Origin，或为 "null"
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func newID() string { return uuid.NewString() }

// WebSocketConnect 升级连接后阻塞在读循环，直到连接关闭
func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}

	wsConn := newConn(newID(), conn, m.h, m.opt.SendQueue, m.logger)
	wsConn.logger.Debug("connected", "remote", c.Request.RemoteAddr)

	// 先启动写循环，保证后续入队的消息能及时发出
	go wsConn.writeLoop()
	wsConn.readLoop(m.opt.ReadLimit)
}
