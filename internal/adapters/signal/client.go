// Package signal is the conferencing backend client: a websocket to the
// signaling server for control messages and a pion peer connection for
// media. It implements core.Conference.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var (
	ErrNotInitialized     = errors.New("signal client not initialized")
	ErrAlreadyInitialized = errors.New("signal client already initialized")
	ErrServer             = errors.New("server error")
)

const (
	eventBuffer = 256
	sendBuffer  = 64
)

type Config struct {
	URL        string
	ICEServers []string
	Devices    []domain.Device
	ReadLimit  int64
	PingPeriod time.Duration
	// SpatialLimit caps spatial updates per second; zero means unlimited.
	SpatialLimit int
	// NewMedia creates the peer connection of a conference. Defaults to pion.
	NewMedia func() (core.MediaConnection, error)
	Dialer   *websocket.Dialer
}

type reply struct {
	msg inbound
	err error
}

type waiter struct {
	typ string
	ch  chan reply
}

var _ core.Conference = (*Client)(nil)

type Client struct {
	cfg     Config
	events  chan core.Event
	done    chan struct{}
	limiter *rateLimiter
	devices *virtualDevices

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu          sync.Mutex
	conn        *wsConn
	pending     []*waiter
	localID     domain.ParticipantID
	media       core.MediaConnection
	mediaCancel context.CancelFunc
	sinks       map[domain.TrackID]core.FrameSink
}

func New(cfg Config) *Client {
	if cfg.NewMedia == nil {
		cfg.NewMedia = pionMedia(cfg.ICEServers)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		events:  make(chan core.Event, eventBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(cfg.SpatialLimit, time.Second),
		ctx:     ctx,
		cancel:  cancel,
		sinks:   make(map[domain.TrackID]core.FrameSink),
	}
	c.devices = newVirtualDevices(cfg.Devices, c.emit)
	return c
}

func (c *Client) Events() <-chan core.Event { return c.events }

func (c *Client) Devices() core.DeviceManager { return c.devices }

// Init dials the signaling server with token as bearer credentials and waits
// for the server to identify the connection.
func (c *Client) Init(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}

	conn := newWSConn(ws, sendBuffer)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go conn.writePump(c.ctx, c.cfg.PingPeriod)
	go c.readLoop(conn)

	m, err := c.request(ctx, outbound{Type: typeWhoAmI}, typeWhoAmI)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	log.Info().Str("module", "signal").Str("url", c.cfg.URL).Str("username", m.Username).Msg("signaling connected")
	c.devices.announceDefaults()
	return nil
}

func (c *Client) RefreshToken(ctx context.Context, token string) error {
	if _, err := c.request(ctx, outbound{Type: typeRefreshToken, Token: token}, typeTokenRefreshed); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return nil
}

// Open names the connection's user and returns the participant ID the
// server assigned.
func (c *Client) Open(ctx context.Context, user string) (domain.ParticipantID, error) {
	m, err := c.request(ctx, outbound{Type: typeRename, Name: user}, typeWhoAmI)
	if err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}
	id := m.ID
	if id == "" {
		id = m.Username
	}
	c.mu.Lock()
	c.localID = domain.ParticipantID(id)
	c.mu.Unlock()
	return domain.ParticipantID(id), nil
}

func (c *Client) Join(ctx context.Context, conference string) error {
	if _, err := c.request(ctx, outbound{Type: typeJoin, Room: conference}, typeRoomState); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return c.startMedia(ctx)
}

func (c *Client) Demo(ctx context.Context) error {
	if _, err := c.request(ctx, outbound{Type: typeDemo}, typeRoomState); err != nil {
		return fmt.Errorf("demo: %w", err)
	}
	return c.startMedia(ctx)
}

func (c *Client) Leave(ctx context.Context) error {
	defer c.closeMedia()
	if _, err := c.request(ctx, outbound{Type: typeLeave}, typeLeft); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

// CloseSession forgets the local user; the signaling connection stays open.
func (c *Client) CloseSession(context.Context) error {
	c.closeMedia()
	c.mu.Lock()
	c.localID = ""
	clear(c.sinks)
	c.mu.Unlock()
	return nil
}

func (c *Client) Mute(_ context.Context, muted bool) error {
	return c.send(outbound{Type: typeMute, Muted: &muted})
}

func (c *Client) MuteOutput(_ context.Context, muted bool) error {
	return c.send(outbound{Type: typeMuteOutput, Muted: &muted})
}

// UpdateSpatial drops updates above the configured rate.
func (c *Client) UpdateSpatial(_ context.Context, batch domain.SpatialBatch) error {
	if !c.limiter.Allow(typeSpatial) {
		log.Debug().Str("module", "signal").Msg("spatial update rate limited")
		return nil
	}
	return c.send(spatialPayload{Type: typeSpatial, Positions: batch.Positions, Direction: batch.Direction})
}

func (c *Client) SetVideoSink(_ context.Context, track domain.VideoTrack, sink core.FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[track.TrackID] = sink
	return nil
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.closeMedia()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Info().Str("module", "signal").Msg("client closed")
	})
	return nil
}

func (c *Client) readLoop(conn *wsConn) {
	err := conn.readPump(c.ctx, c.dispatch)
	conn.Close()
	c.failWaiters(ErrClosed)

	select {
	case <-c.done:
		return
	default:
	}
	log.Error().Err(err).Str("module", "signal").Msg("signaling connection lost")
	c.closeMedia()
	c.emit(core.ConnectionLost{Err: err})
}

func (c *Client) dispatch(data []byte) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch m.Type {
	case typePong:
		log.Debug().Str("module", "signal").Msg("pong")
		return
	case typeCandidate:
		c.addCandidate(m)
		return
	case typeError:
		log.Warn().Str("module", "signal").Str("error", m.Error).Msg("server error")
		c.resolveFirst(reply{err: fmt.Errorf("%w: %s", ErrServer, m.Error)})
		return
	}

	for _, ev := range translate(m) {
		c.emit(ev)
	}
	c.resolve(m)
}

// request sends msg and waits for the first reply of type replyType.
// A server error fails the oldest outstanding request.
func (c *Client) request(ctx context.Context, msg any, replyType string) (inbound, error) {
	w := &waiter{typ: replyType, ch: make(chan reply, 1)}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return inbound{}, ErrNotInitialized
	}
	c.pending = append(c.pending, w)
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.dropWaiter(w)
		return inbound{}, err
	}
	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-ctx.Done():
		c.dropWaiter(w)
		return inbound{}, ctx.Err()
	}
}

func (c *Client) send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.TrySend(b)
}

func (c *Client) resolve(m inbound) {
	c.mu.Lock()
	i := slices.IndexFunc(c.pending, func(w *waiter) bool { return w.typ == m.Type })
	if i < 0 {
		c.mu.Unlock()
		return
	}
	w := c.pending[i]
	c.pending = slices.Delete(c.pending, i, i+1)
	c.mu.Unlock()
	w.ch <- reply{msg: m}
}

func (c *Client) resolveFirst(r reply) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	w := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	w.ch <- r
}

func (c *Client) failWaiters(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, w := range pending {
		w.ch <- reply{err: err}
	}
}

func (c *Client) dropWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.pending, w); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// emit blocks until the session takes the event or the client closes.
func (c *Client) emit(ev core.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
