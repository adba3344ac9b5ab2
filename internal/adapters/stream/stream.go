// Package stream pushes session notifications to host applications over a
// websocket, one JSON text message per notification.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app/events"
	"github.com/dkeye/voicebridge/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("stream closed")
)

const (
	sendBuffer = 256
	writeWait  = 5 * time.Second
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one subscriber endpoint. It implements core.SignalConnection.
type Conn struct {
	id   string
	conn WSConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewConn(id string, conn WSConn) *Conn {
	return &Conn{id: id, conn: conn, send: make(chan core.Frame, sendBuffer)}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// writeLoop pumps frames to the network until the connection closes.
func (c *Conn) writeLoop(ctx context.Context, pingPeriod time.Duration) {
	defer c.Close()
	var ping <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.stream").Str("sid", c.id).Msg("write error")
				return
			}
		}
	}
}

// readLoop only notices the peer going away; hosts send commands over HTTP.
func (c *Conn) readLoop() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Subscriber is the part of events.Hub the controller needs.
type Subscriber interface {
	Subscribe(fn events.Handler) (unsubscribe func())
	SubscriberCount() int
}

type Controller struct {
	hub        Subscriber
	readLimit  int64
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
}

func NewController(hub Subscriber, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{
		hub:        hub,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach subscribes conn to the hub until ctx ends or conn fails. A
// subscriber that cannot keep up is disconnected.
func (ctl *Controller) Attach(ctx context.Context, conn *Conn) {
	ctx, cancel := context.WithCancel(ctx)
	unsubscribe := ctl.hub.Subscribe(func(ev events.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.stream").Msg("marshal event")
			return
		}
		if err := conn.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "adapters.stream").Str("sid", conn.id).Str("event", string(ev.Name)).Msg("dropping subscriber")
			cancel()
		}
	})
	log.Info().Str("module", "adapters.stream").Str("sid", conn.id).Int("subscribers", ctl.hub.SubscriberCount()).Msg("subscriber attached")

	go func() {
		<-ctx.Done()
		unsubscribe()
		conn.Close()
		log.Info().Str("module", "adapters.stream").Str("sid", conn.id).Int("subscribers", ctl.hub.SubscriberCount()).Msg("subscriber detached")
	}()
	go func() {
		conn.readLoop()
		cancel()
	}()
	go func() {
		conn.writeLoop(ctx, ctl.pingPeriod)
		cancel()
	}()
}

// Handle upgrades the request and attaches it as a subscriber.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.stream").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}
	ctl.Attach(ctx, NewConn(sid, ws))
}
