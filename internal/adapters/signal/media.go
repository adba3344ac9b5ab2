package signal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/adapters/rtc"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

func pionMedia(iceServers []string) func() (core.MediaConnection, error) {
	return func() (core.MediaConnection, error) {
		return rtc.NewConnection(rtc.Config(iceServers), uuid.NewString())
	}
}

// startMedia negotiates a fresh peer connection for the joined conference.
func (c *Client) startMedia(ctx context.Context) error {
	mc, err := c.cfg.NewMedia()
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	mctx, cancel := context.WithCancel(c.ctx)

	mc.OnICECandidate(c.sendCandidate)
	mc.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.onTrack(ctx, track)
	})
	mc.OnClosed(func() {
		log.Info().Str("module", "signal").Msg("media connection closed")
	})
	if err := mc.Start(mctx); err != nil {
		cancel()
		mc.Close()
		return fmt.Errorf("start peer connection: %w", err)
	}

	c.mu.Lock()
	old, oldCancel := c.media, c.mediaCancel
	c.media, c.mediaCancel = mc, cancel
	c.mu.Unlock()
	if old != nil {
		oldCancel()
		old.Close()
	}

	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		c.closeMedia()
		return fmt.Errorf("create offer: %w", err)
	}
	answer, err := c.request(ctx, outbound{Type: typeOffer, SDP: offer.SDP}, typeAnswer)
	if err != nil {
		c.closeMedia()
		return fmt.Errorf("offer: %w", err)
	}
	if err := mc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		c.closeMedia()
		return fmt.Errorf("apply answer: %w", err)
	}
	log.Info().Str("module", "signal").Msg("media negotiated")
	return nil
}

func (c *Client) closeMedia() {
	c.mu.Lock()
	mc, cancel := c.media, c.mediaCancel
	c.media, c.mediaCancel = nil, nil
	c.mu.Unlock()
	if mc == nil {
		return
	}
	cancel()
	mc.Close()
}

func (c *Client) sendCandidate(ci webrtc.ICECandidateInit) {
	msg := outbound{
		Type:          typeCandidate,
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
	if err := c.send(msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send candidate")
	}
}

func (c *Client) addCandidate(m inbound) {
	c.mu.Lock()
	mc := c.media
	c.mu.Unlock()
	if mc == nil {
		log.Warn().Str("module", "signal").Msg("candidate: no media connection")
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: m.Candidate}
	if m.SDPMid != "" {
		cand.SDPMid = &m.SDPMid
	}
	idx := m.SDPMLineIndex
	cand.SDPMLineIndex = &idx
	if err := mc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}

// onTrack announces remote video tracks and pumps them into their sinks.
// Audio is played out by the backend mix; its packets are only drained.
func (c *Client) onTrack(ctx context.Context, track *webrtc.TrackRemote) {
	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		go drain(ctx, read)
		return
	}
	t := parseStreamID(track.StreamID(), track.ID())
	c.emit(core.RemoteVideoTrackAdded{Track: t})
	go c.pump(ctx, t, read)
}

// pump forwards packets of t to its sink until the track ends, then
// announces the removal. Packets arriving before a sink is set are dropped.
func (c *Client) pump(ctx context.Context, t domain.VideoTrack, read func() (*rtp.Packet, error)) {
	logger := log.With().Str("module", "signal").Str("track_id", string(t.TrackID)).Str("participant_id", string(t.ParticipantID)).Logger()
	defer func() {
		c.mu.Lock()
		delete(c.sinks, t.TrackID)
		c.mu.Unlock()
		c.emit(core.RemoteVideoTrackRemoved{Track: t})
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("track ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("track ended")
			} else {
				logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			return
		}

		c.mu.Lock()
		sink := c.sinks[t.TrackID]
		c.mu.Unlock()
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Msg("sink write error, detaching sink")
			c.mu.Lock()
			if c.sinks[t.TrackID] == sink {
				delete(c.sinks, t.TrackID)
			}
			c.mu.Unlock()
		}
	}
}

func drain(ctx context.Context, read func() (*rtp.Packet, error)) {
	for ctx.Err() == nil {
		if _, err := read(); err != nil {
			return
		}
	}
}
