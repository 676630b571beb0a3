package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/store"
)

// FeedConfig holds configuration for display feed connections.
type FeedConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512,
		SendBuffer:      16,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// FeedMessage is what display screens receive: the public auction document
// without participant records.
type FeedMessage struct {
	Type    string           `json:"type"`
	Exists  bool             `json:"exists"`
	Auction auction.Document `json:"auction"`
}

// Feed streams the public auction document to read-only WebSocket clients
// such as projector screens.
type Feed struct {
	config   FeedConfig
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*feedConn]struct{}
	latest []byte
	unsub  store.Unsubscribe
}

type feedConn struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	feed        *Feed
	once        sync.Once
	connectedAt time.Time
}

func NewFeed(config FeedConfig) *Feed {
	return &Feed{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		conns: make(map[*feedConn]struct{}),
	}
}

// Start subscribes to the auction document; every change is broadcast.
func (f *Feed) Start(ctx context.Context, st store.Store) error {
	unsub, err := st.Subscribe(ctx, auction.PathAuction, f.publish)
	if err != nil {
		return fmt.Errorf("subscribe feed: %w", err)
	}
	f.mu.Lock()
	f.unsub = unsub
	f.mu.Unlock()
	log.Info().Msg("auction feed started")
	return nil
}

// Close unsubscribes and disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	conns := make([]*feedConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	for _, c := range conns {
		f.unregister(c)
	}
}

func (f *Feed) Mount(r gin.IRoutes, path string) {
	r.GET(path, func(c *gin.Context) {
		if err := f.Upgrade(c.Writer, c.Request); err != nil {
			log.Warn().Err(err).Msg("feed upgrade failed")
		}
	})
}

// Upgrade upgrades an HTTP connection and sends the latest document at once.
func (f *Feed) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	c := &feedConn{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, max(f.config.SendBuffer, 1)),
		done:        make(chan struct{}),
		feed:        f,
		connectedAt: time.Now(),
	}

	f.mu.Lock()
	f.conns[c] = struct{}{}
	if f.latest != nil {
		c.send <- f.latest
	}
	total := len(f.conns)
	f.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.id).Int("total_connections", total).Msg("feed client connected")
	return nil
}

// Len reports the number of connected clients.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

func (f *Feed) publish(snap store.Snapshot) {
	st, err := auction.StateFromSnapshot(snap)
	if err != nil {
		log.Warn().Err(err).Msg("skipping undecodable auction state for feed")
		return
	}
	msg, err := json.Marshal(FeedMessage{Type: "auction", Exists: st.Exists, Auction: st.Auction})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal feed message")
		return
	}

	f.mu.Lock()
	f.latest = msg
	targets := make([]*feedConn, 0, len(f.conns))
	for c := range f.conns {
		targets = append(targets, c)
	}
	f.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.done:
		default:
			log.Warn().Str("connection_id", c.id).Msg("feed send buffer full, closing connection")
			f.unregister(c)
		}
	}
}

func (f *Feed) unregister(c *feedConn) {
	c.once.Do(func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		close(c.done)
		log.Info().Str("connection_id", c.id).Dur("connected_for", time.Since(c.connectedAt)).Msg("feed client disconnected")
	})
}

func (c *feedConn) writePump() {
	ticker := time.NewTicker(c.feed.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.feed.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write feed message")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh.
func (c *feedConn) readPump() {
	defer func() {
		c.feed.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.feed.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
