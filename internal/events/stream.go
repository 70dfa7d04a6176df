package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream pushes audit events to WebSocket subscribers, grouped per realm.
type Stream struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewStream(log *zap.Logger) *Stream {
	return &Stream{
		log:     log,
		clients: make(map[string]map[*client]bool),
	}
}

// HandleWebSocket upgrades the connection and subscribes it to a
// realm's event feed.
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request, realmName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.register(realmName, c)

	go c.writePump()
	go s.readPump(realmName, c)
}

func (s *Stream) register(realmName string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[realmName] == nil {
		s.clients[realmName] = make(map[*client]bool)
	}
	s.clients[realmName][c] = true
}

func (s *Stream) unregister(realmName string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[realmName][c]; ok {
		delete(s.clients[realmName], c)
		close(c.send)
	}
}

// Broadcast sends an event to every subscriber of its realm. Slow
// subscribers are skipped, not waited on.
func (s *Stream) Broadcast(realmName string, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients[realmName] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// readPump drains the connection so close frames and pongs are
// processed. Subscribers never send meaningful input.
func (s *Stream) readPump(realmName string, c *client) {
	defer func() {
		s.unregister(realmName, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
