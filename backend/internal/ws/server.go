package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/collab"
)

// 允许本地开发环境的来源，另外加上配置里的 allowedOrigins
var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func newUpgrader(allowed []string) websocket.Upgrader {
	prefixes := append(append([]string(nil), localOrigins...), allowed...)
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端可能不发 Origin，或者为 "null"
			if origin == "" || origin == "null" {
				return true
			}
			for _, p := range prefixes {
				if strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
}

type Server struct {
	hub      *Hub
	objects  *collab.Manager
	upgrader websocket.Upgrader
	opts     Options
	log      zerolog.Logger
}

func NewServer(hub *Hub, objects *collab.Manager, allowedOrigins []string, opts Options, log zerolog.Logger) *Server {
	return &Server{hub: hub, objects: objects, upgrader: newUpgrader(allowedOrigins), opts: opts, log: log}
}

// WebSocketConnect GET /collab/ws。userId/username 由鉴权中间件写入 gin.Context
func (s *Server) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade")
		return
	}
	conn := NewConn(ws, s.hub, s.objects, userID, username, s.opts, s.log)
	conn.log.Info().Str("username", username).Msg("connected")
	// 阻塞到连接关闭
	conn.Serve(c.Request.Context())
	conn.log.Info().Msg("disconnected")
}
