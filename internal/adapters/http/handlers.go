package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app/devices"
	"github.com/dkeye/voicebridge/internal/app/reconciler"
	"github.com/dkeye/voicebridge/internal/app/session"
	"github.com/dkeye/voicebridge/internal/app/video"
	"github.com/dkeye/voicebridge/internal/domain"
)

// Bridge is the session as the host command API sees it.
type Bridge interface {
	SetToken(ctx context.Context, token string) error
	Connect(ctx context.Context, conference, user string) error
	Disconnect(ctx context.Context) error
	MuteInput(ctx context.Context, muted bool) error
	MuteOutput(ctx context.Context, muted bool) error
	SetInputDevice(ctx context.Context, index int) error
	SetOutputDevice(ctx context.Context, index int) error
	UpdateViewPoint(position domain.Vector, rotation domain.Rotator)
	BindMaterial(material string, track domain.TrackID) error
	UnbindMaterial(material string, track domain.TrackID)

	Status() session.Status
	LocalID() domain.ParticipantID
	Participants() []domain.Participant
	Devices() devices.Snapshot
	VideoSinks() []video.Info
	PendingTracks() reconciler.Stats
}

type TokenRequest struct {
	Token string `json:"token"`
}

type ConnectRequest struct {
	Conference string `json:"conference"`
	User       string `json:"user"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type DeviceRequest struct {
	Index *int `json:"index"`
}

type ViewPointRequest struct {
	Position domain.Vector  `json:"position"`
	Rotation domain.Rotator `json:"rotation"`
}

type MaterialRequest struct {
	Material string `json:"material"`
}

type StatusResponse struct {
	Status  string               `json:"status"`
	LocalID domain.ParticipantID `json:"local_id,omitempty"`
	Pending reconciler.Stats     `json:"pending"`
	// Conference and User are what this host last connected with.
	Conference string `json:"conference,omitempty"`
	User       string `json:"user,omitempty"`
}

const (
	sessionConference = "conference"
	sessionUser       = "user"
)

type handlers struct {
	bridge  Bridge
	timeout time.Duration
}

func (h *handlers) command(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *handlers) status(c *gin.Context) {
	sess := sessions.Default(c)
	conference, _ := sess.Get(sessionConference).(string)
	user, _ := sess.Get(sessionUser).(string)
	c.JSON(http.StatusOK, StatusResponse{
		Status:     h.bridge.Status().String(),
		LocalID:    h.bridge.LocalID(),
		Pending:    h.bridge.PendingTracks(),
		Conference: conference,
		User:       user,
	})
}

func (h *handlers) setToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid token"})
		return
	}
	ctx, cancel := h.command(c)
	defer cancel()
	h.reply(c, h.bridge.SetToken(ctx, req.Token))
}

func (h *handlers) connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx, cancel := h.command(c)
	defer cancel()
	err := h.bridge.Connect(ctx, req.Conference, req.User)
	if err == nil {
		h.remember(c, req)
	}
	h.reply(c, err)
}

// remember keeps the names of the last successful connect in the host's
// cookie session so a reloaded host page can rejoin with them.
func (h *handlers) remember(c *gin.Context, req ConnectRequest) {
	sess := sessions.Default(c)
	sess.Set(sessionConference, req.Conference)
	sess.Set(sessionUser, req.User)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("save session")
	}
}

func (h *handlers) disconnect(c *gin.Context) {
	ctx, cancel := h.command(c)
	defer cancel()
	h.reply(c, h.bridge.Disconnect(ctx))
}

func (h *handlers) muteInput(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx, cancel := h.command(c)
	defer cancel()
	h.reply(c, h.bridge.MuteInput(ctx, req.Muted))
}

func (h *handlers) muteOutput(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx, cancel := h.command(c)
	defer cancel()
	h.reply(c, h.bridge.MuteOutput(ctx, req.Muted))
}

func (h *handlers) devices(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.Devices())
}

func (h *handlers) setInputDevice(c *gin.Context) {
	h.setDevice(c, h.bridge.SetInputDevice)
}

func (h *handlers) setOutputDevice(c *gin.Context) {
	h.setDevice(c, h.bridge.SetOutputDevice)
}

func (h *handlers) setDevice(c *gin.Context, set func(context.Context, int) error) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid index"})
		return
	}
	ctx, cancel := h.command(c)
	defer cancel()
	h.reply(c, set(ctx, *req.Index))
}

func (h *handlers) participants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": h.bridge.Participants()})
}

func (h *handlers) viewpoint(c *gin.Context) {
	var req ViewPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	h.bridge.UpdateViewPoint(req.Position, req.Rotation)
	c.Status(http.StatusNoContent)
}

func (h *handlers) videos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"videos": h.bridge.VideoSinks()})
}

func (h *handlers) bindMaterial(c *gin.Context) {
	var req MaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Material == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid material"})
		return
	}
	h.reply(c, h.bridge.BindMaterial(req.Material, domain.TrackID(c.Param("track"))))
}

func (h *handlers) unbindMaterial(c *gin.Context) {
	var req MaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Material == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid material"})
		return
	}
	h.bridge.UnbindMaterial(req.Material, domain.TrackID(c.Param("track")))
	c.Status(http.StatusNoContent)
}

// reply maps command errors to status codes.
func (h *handlers) reply(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": h.bridge.Status().String()})
		return
	}
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, session.ErrEmptyToken),
		errors.Is(err, domain.ErrNameEmpty),
		errors.Is(err, domain.ErrNameTooLong),
		errors.Is(err, devices.ErrDeviceIndex):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrNotInitialized),
		errors.Is(err, session.ErrMustDisconnect):
		code = http.StatusConflict
	case errors.Is(err, video.ErrUnknownTrack):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("code", code).Msg("command failed")
	c.JSON(code, gin.H{"error": err.Error()})
}
