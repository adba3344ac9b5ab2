package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicebridge/internal/app/events"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

type fakeWS struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
	block   chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, io.EOF
}

func (f *fakeWS) WriteMessage(mt int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	if mt != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, b := range f.written {
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		out = append(out, m)
	}
	return out
}

func TestEventsReachSubscriber(t *testing.T) {
	hub := events.NewHub()
	ws := newFakeWS()
	ctl := NewController(hub, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl.Attach(ctx, NewConn("sid", ws))
	require.Equal(t, 1, hub.SubscriberCount())

	hub.Publish(events.Event{
		Name:  events.VideoTrackAdded,
		Track: &domain.VideoTrack{TrackID: "v1", ParticipantID: "p1"},
	})
	require.Eventually(t, func() bool { return len(ws.messages()) == 1 }, time.Second, 5*time.Millisecond)

	msg := ws.messages()[0]
	require.Equal(t, "video_track_added", msg["type"])
	require.Equal(t, map[string]any{"track_id": "v1", "participant_id": "p1"}, msg["track"])
}

func TestPeerGoneUnsubscribes(t *testing.T) {
	hub := events.NewHub()
	ws := newFakeWS()
	NewController(hub, 0, 0).Attach(context.Background(), NewConn("sid", ws))

	_ = ws.Close()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestContextEndDetaches(t *testing.T) {
	hub := events.NewHub()
	ws := newFakeWS()
	ctx, cancel := context.WithCancel(context.Background())
	NewController(hub, 0, 0).Attach(ctx, NewConn("sid", ws))

	cancel()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	<-ws.closed
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := events.NewHub()
	ws := newFakeWS()
	ws.block = make(chan struct{})
	defer close(ws.block)
	NewController(hub, 0, 0).Attach(context.Background(), NewConn("sid", ws))

	for i := 0; i < sendBuffer+2; i++ {
		hub.Publish(events.Event{Name: events.AudioLevelsChanged})
	}
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTrySend(t *testing.T) {
	c := NewConn("sid", newFakeWS())
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.TrySend([]byte("{}")))
	}
	require.ErrorIs(t, c.TrySend([]byte("{}")), ErrBackpressure)
	c.Close()
	c.Close()
	require.ErrorIs(t, c.TrySend([]byte("{}")), ErrClosed)
}

var _ core.SignalConnection = (*Conn)(nil)
