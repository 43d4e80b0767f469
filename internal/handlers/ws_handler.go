package handlers

import (
	"net/http"
	"sync"
	"time"

	"workflow-collab-api/internal/middleware"
	"workflow-collab-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// wsClient implements realtime.Client over a websocket connection. Frames are
// queued on send and written by a single writePump, so each member sees frames
// in the order the hub enqueued them.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, buffer int) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send never blocks: a closed client or a full queue reports false.
func (c *wsClient) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *wsClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// flush what was queued before the close, then say goodbye
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *wsClient) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is already handled at Gin level; allow upgrade from any origin here
		return true
	},
}

// WSHandler serves the realtime websocket endpoint.
type WSHandler struct {
	hub         *realtime.Hub
	sendBuffer  int
	readTimeout time.Duration
	log         *zap.Logger
}

func NewWSHandler(hub *realtime.Hub, sendBuffer int, readTimeout time.Duration, log *zap.Logger) *WSHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if readTimeout <= 0 {
		readTimeout = realtime.DefaultHeartbeatTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{hub: hub, sendBuffer: sendBuffer, readTimeout: readTimeout, log: log}
}

// Serve upgrades the connection and runs its read loop. It requires the
// Authenticate middleware, so the credential is verified before the upgrade.
// GET /ws
func (h *WSHandler) Serve(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authorized", "code": realtime.CodeInvalidCredential})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.String("userId", identity.UserID), zap.Error(err))
		return
	}

	client := newWSClient(conn, h.sendBuffer)
	go client.writePump(h.readTimeout / 2)

	ctx := c.Request.Context()
	s, err := h.hub.Connect(ctx, client, identity)
	if err != nil {
		h.log.Error("register session", zap.String("userId", identity.UserID), zap.Error(err))
		client.Close()
		return
	}
	defer h.hub.Disconnect(s.ID())

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		_ = h.hub.Heartbeat(s.ID())
		return nil
	})

	// The read loop is the session's worker: frames are dispatched one at a
	// time, which keeps this sender's events in order.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.String("sessionId", s.ID()), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		h.hub.Dispatch(ctx, s, data)
		if s.Closed() {
			return
		}
	}
}
