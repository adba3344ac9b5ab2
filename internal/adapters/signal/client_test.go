package signal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

// backend is a scripted signaling server.
type backend struct {
	srv  *httptest.Server
	auth chan string

	mu   sync.Mutex
	ws   *websocket.Conn
	got  []inbound
	drop bool
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{auth: make(chan string, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		b.auth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.ws = ws
		b.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m inbound
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			b.mu.Lock()
			b.got = append(b.got, m)
			b.mu.Unlock()
			b.respond(m, data)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *backend) push(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.ws.WriteJSON(v)
}

func (b *backend) received() []inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]inbound(nil), b.got...)
}

func (b *backend) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.ws.Close()
}

func (b *backend) respond(m inbound, raw []byte) {
	switch m.Type {
	case typeWhoAmI:
		b.push(map[string]any{"type": "whoami", "id": "u1", "username": "anon"})
	case typeRename:
		b.push(map[string]any{"type": "whoami", "id": "u1", "username": m.Name})
	case typeJoin:
		if m.Room == "missing" {
			b.push(map[string]any{"type": "error", "error": "room is not exists"})
			return
		}
		b.push(map[string]any{"type": "room_state", "room": m.Room, "members": []member{
			{ID: "u1", Username: "alice"},
			{ID: "u2", Username: "bob"},
		}})
	case typeDemo:
		b.push(map[string]any{"type": "room_state", "room": "demo", "members": []member{{ID: "u1", Username: "alice"}}})
	case typeOffer:
		b.push(map[string]any{"type": "answer", "sdp": "answer-sdp"})
		b.push(map[string]any{"type": "candidate", "candidate": "candidate:1 1 udp 1 127.0.0.1 5000 typ host", "sdpMid": "0"})
	case typeLeave:
		b.push(map[string]any{"type": "left"})
	case typeRefreshToken:
		var p outbound
		_ = json.Unmarshal(raw, &p)
		if p.Token != "" {
			b.push(map[string]any{"type": "token_refreshed"})
		}
	case typePing:
		b.push(map[string]any{"type": "pong"})
	}
}

type fakeMedia struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	answer     string
	candidates []webrtc.ICECandidateInit
}

func (f *fakeMedia) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeMedia) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, ci)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) ApplyAnswer(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	f.answer = sd.SDP
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakeMedia) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeMedia) OnClosed(func()) {}

var devicesCfg = []domain.Device{
	{ID: "mic", Name: "Mic", Direction: domain.DirectionInput},
	{ID: "spk", Name: "Speakers", Direction: domain.DirectionOutput},
}

func newClient(t *testing.T, b *backend, media *fakeMedia) *Client {
	t.Helper()
	c := New(Config{
		URL:     b.url(),
		Devices: devicesCfg,
		NewMedia: func() (core.MediaConnection, error) {
			return media, nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func next(t *testing.T, c *Client) core.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestInitSendsBearerToken(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, b, &fakeMedia{})

	require.NoError(t, c.Init(ctxT(t), "secret"))
	require.Equal(t, "Bearer secret", <-b.auth)
	require.ErrorIs(t, c.Init(ctxT(t), "secret"), ErrAlreadyInitialized)

	require.Equal(t, core.DeviceChanged{Device: devicesCfg[0], Utilized: domain.DirectionInput}, next(t, c))
	require.Equal(t, core.DeviceChanged{Device: devicesCfg[1], Utilized: domain.DirectionOutput}, next(t, c))
}

func TestInitRejected(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, b, &fakeMedia{})
	err := c.Init(ctxT(t), "bad")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestCallsBeforeInit(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	defer c.Close()
	_, err := c.Open(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, c.Mute(context.Background(), true), ErrNotInitialized)
}

func TestOpenJoinAndNegotiate(t *testing.T) {
	b := newBackend(t)
	media := &fakeMedia{}
	c := newClient(t, b, media)
	ctx := ctxT(t)
	require.NoError(t, c.Init(ctx, "secret"))
	next(t, c)
	next(t, c)

	id, err := c.Open(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.ParticipantID("u1"), id)

	require.NoError(t, c.Join(ctx, "room1"))
	require.Equal(t, core.ParticipantAdded{Participant: domain.Participant{ID: "u1", Name: "alice", Status: domain.StatusConnected}}, next(t, c))
	require.Equal(t, core.ParticipantAdded{Participant: domain.Participant{ID: "u2", Name: "bob", Status: domain.StatusConnected}}, next(t, c))

	require.Eventually(t, func() bool {
		media.mu.Lock()
		defer media.mu.Unlock()
		return media.started && media.answer == "answer-sdp" && len(media.candidates) == 1
	}, time.Second, 5*time.Millisecond)

	var types []string
	for _, m := range b.received() {
		types = append(types, m.Type)
	}
	require.Equal(t, []string{"whoami", "rename", "join", "offer"}, types)
	require.Equal(t, "offer-sdp", b.received()[3].SDP)

	require.NoError(t, c.Leave(ctx))
	require.True(t, media.IsClosed())
}

func TestServerErrorFailsRequest(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, b, &fakeMedia{})
	ctx := ctxT(t)
	require.NoError(t, c.Init(ctx, "secret"))

	err := c.Join(ctx, "missing")
	require.ErrorIs(t, err, ErrServer)
	require.Contains(t, err.Error(), "room is not exists")
}

func TestServerPushesBecomeEvents(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, b, &fakeMedia{})
	require.NoError(t, c.Init(ctxT(t), "secret"))
	next(t, c)
	next(t, c)

	b.push(map[string]any{"type": "token_expiring"})
	require.Equal(t, core.RefreshTokenRequested{}, next(t, c))
	require.NoError(t, c.RefreshToken(ctxT(t), "fresh"))

	b.push(map[string]any{"type": "active_speakers", "speakers": []string{"u2"}})
	require.Equal(t, core.ActiveSpeakersChanged{Speakers: []domain.ParticipantID{"u2"}}, next(t, c))
}

func TestConnectionLost(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, b, &fakeMedia{})
	require.NoError(t, c.Init(ctxT(t), "secret"))
	next(t, c)
	next(t, c)

	b.closeConn()
	ev := next(t, c)
	lost, ok := ev.(core.ConnectionLost)
	require.True(t, ok, "got %T", ev)
	require.Error(t, lost.Err)
	require.ErrorIs(t, c.Mute(context.Background(), true), ErrClosed)
}

func TestMuteAndSpatialMessages(t *testing.T) {
	b := newBackend(t)
	c := New(Config{URL: b.url(), SpatialLimit: 1})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Init(ctxT(t), "secret"))

	require.NoError(t, c.Mute(context.Background(), true))
	batch := domain.SpatialBatch{
		Positions: map[domain.ParticipantID]domain.SpatialPosition{"u1": {X: 1, Y: 2, Z: 3}},
		Direction: domain.SpatialDirection{Y: 90},
	}
	require.NoError(t, c.UpdateSpatial(context.Background(), batch))
	require.NoError(t, c.UpdateSpatial(context.Background(), batch))

	require.Eventually(t, func() bool { return len(b.received()) >= 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := b.received()
	require.Len(t, got, 3)
	require.Equal(t, typeMute, got[1].Type)
	require.Equal(t, typeSpatial, got[2].Type)
}

func TestVirtualDevices(t *testing.T) {
	var got []core.Event
	d := newVirtualDevices(devicesCfg, func(ev core.Event) { got = append(got, ev) })

	list, err := d.AudioDevices(context.Background())
	require.NoError(t, err)
	require.Equal(t, devicesCfg, list)

	require.NoError(t, d.SetInputDevice(context.Background(), domain.Device{ID: "mic"}))
	require.ErrorIs(t, d.SetInputDevice(context.Background(), domain.Device{ID: "spk"}), ErrUnknownDevice)
	require.ErrorIs(t, d.SetOutputDevice(context.Background(), domain.Device{ID: "nope"}), ErrUnknownDevice)
	require.Equal(t, []core.Event{core.DeviceChanged{Device: devicesCfg[0], Utilized: domain.DirectionInput}}, got)

	got = nil
	empty := newVirtualDevices(nil, func(ev core.Event) { got = append(got, ev) })
	empty.announceDefaults()
	require.Len(t, got, 2)
	require.True(t, got[0].(core.DeviceChanged).NoDevice)
}

type recordingSink struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (s *recordingSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	s.pkts = append(s.pkts, p)
	s.mu.Unlock()
	return nil
}

func TestPumpFeedsSinkAndAnnouncesRemoval(t *testing.T) {
	c := New(Config{})
	defer c.Close()
	track := domain.VideoTrack{TrackID: "v1", ParticipantID: "u2"}
	sink := &recordingSink{}
	require.NoError(t, c.SetVideoSink(context.Background(), track, sink))

	packets := []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1}},
		{Header: rtp.Header{SequenceNumber: 2, Marker: true}},
	}
	read := func() (*rtp.Packet, error) {
		if len(packets) == 0 {
			return nil, io.EOF
		}
		p := packets[0]
		packets = packets[1:]
		return p, nil
	}

	c.pump(context.Background(), track, read)
	require.Len(t, sink.pkts, 2)
	require.Equal(t, core.RemoteVideoTrackRemoved{Track: track}, next(t, c))

	c.mu.Lock()
	_, ok := c.sinks["v1"]
	c.mu.Unlock()
	require.False(t, ok)
}
