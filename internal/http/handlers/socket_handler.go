// README: Websocket endpoint; binds the hub to courier presence and location sharing.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/http/middleware"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/types"
)

// Inbound socket event sent by couriers.
const eventUpdateLocation = "updateLocation"

type SocketHandler struct {
	hub       *notify.Hub
	directory *courier.Directory
	coord     *dispatch.Coordinator
	log       logrus.FieldLogger
}

func NewSocketHandler(hub *notify.Hub, directory *courier.Directory, coord *dispatch.Coordinator, log logrus.FieldLogger) *SocketHandler {
	return &SocketHandler{hub: hub, directory: directory, coord: coord, log: log}
}

func (h *SocketHandler) Serve(c *gin.Context) {
	uid := types.ID(middleware.CallerUID(c))
	role := middleware.CallerRole(c)
	err := h.hub.Serve(c.Writer, c.Request, uid, role, notify.Hooks{
		OnConnect:    h.onConnect,
		OnMessage:    h.onMessage,
		OnDisconnect: h.onDisconnect,
	})
	if err != nil {
		h.log.WithError(err).WithField("user_id", uid).Warn("websocket upgrade failed")
	}
}

func (h *SocketHandler) onConnect(ctx context.Context, s notify.Session) {
	if err := h.directory.Connect(ctx, s.UserID, s.Handle); err != nil {
		h.log.WithError(err).WithField("user_id", s.UserID).Warn("record socket handle failed")
	}
}

type socketLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *SocketHandler) onMessage(ctx context.Context, s notify.Session, msg notify.Envelope) {
	if msg.Event != eventUpdateLocation || s.Role != middleware.RoleCourier {
		return
	}
	log := h.log.WithField("courier_id", s.UserID)
	var loc socketLocation
	if err := json.Unmarshal(msg.Payload, &loc); err != nil {
		log.WithError(err).Debug("bad location frame")
		return
	}
	p := types.Point{Lat: loc.Latitude, Lng: loc.Longitude}
	if err := h.directory.UpdatePosition(ctx, courier.PositionUpdate{CourierID: s.UserID, Position: p, Handle: s.Handle}); err != nil {
		log.WithError(err).Warn("socket location update failed")
		return
	}
	if err := h.coord.ShareLocation(ctx, s.UserID, p); err != nil {
		log.WithError(err).Warn("share location failed")
	}
}

func (h *SocketHandler) onDisconnect(ctx context.Context, s notify.Session) {
	if err := h.directory.MarkUnreachable(ctx, s.Handle); err != nil {
		h.log.WithError(err).WithField("user_id", s.UserID).Warn("mark unreachable failed")
	}
}
