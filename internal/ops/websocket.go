package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mastertrade/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans bus events out to every connected websocket client.
type hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	stopChan   chan struct{}
	logger     zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopChan:   make(chan struct{}),
		logger:     logger,
	}
}

func (h *hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Websocket client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("Websocket client disconnected")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop the client rather than
					// block the fan-out.
					go func(c *wsClient) {
						select {
						case h.unregister <- c:
						case <-h.stopChan:
						}
					}(client)
				}
			}

		case <-h.stopChan:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

func (h *hub) stop() {
	close(h.stopChan)
}

// broadcastEvent serialises a bus event onto the stream. Events are
// dropped when the broadcast buffer is full.
func (h *hub) broadcastEvent(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("Event marshal failed")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// wsClient is one websocket connection with a buffered outbound queue.
type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleWS upgrades the request and registers the connection with the
// hub.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- client

	welcome, _ := json.Marshal(gin.H{"type": "CONNECTED", "timestamp": s.now().UTC()})
	client.send <- welcome

	go client.writePump()
	go client.readPump()
}
