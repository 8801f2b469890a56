// README: Courier handlers: profile, location, offers, current job, accept.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/http/middleware"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

type CourierHandler struct {
	directory *courier.Directory
	coord     *dispatch.Coordinator
	triggers  *dispatch.Triggers
	orders    *order.Service
	log       logrus.FieldLogger
}

func NewCourierHandler(directory *courier.Directory, coord *dispatch.Coordinator, triggers *dispatch.Triggers, orders *order.Service, log logrus.FieldLogger) *CourierHandler {
	return &CourierHandler{directory: directory, coord: coord, triggers: triggers, orders: orders, log: log}
}

type profileReq struct {
	FullName string `json:"full_name" binding:"required"`
	Mobile   string `json:"mobile"`
	// FCMToken registers the device for push when no socket is open.
	FCMToken string `json:"fcm_token"`
}

func (h *CourierHandler) UpdateProfile(c *gin.Context) {
	var req profileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	err := h.directory.Register(c.Request.Context(), courier.Profile{ID: uid, FullName: req.FullName, Mobile: req.Mobile})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if req.FCMToken != "" {
		if err := h.directory.Connect(c.Request.Context(), uid, notify.PrefixFCM+req.FCMToken); err != nil {
			writeServiceError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"courier_id": uid})
}

type locationReq struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
}

// UpdateLocation records the heartbeat and forwards it to the customer when
// the courier is on a job.
func (h *CourierHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	ctx := c.Request.Context()
	uid := types.ID(middleware.CallerUID(c))
	p := types.Point{Lat: *req.Latitude, Lng: *req.Longitude}
	if err := h.directory.UpdatePosition(ctx, courier.PositionUpdate{CourierID: uid, Position: p}); err != nil {
		writeServiceError(c, err)
		return
	}
	if err := h.coord.ShareLocation(ctx, uid, p); err != nil {
		h.log.WithError(err).WithField("courier_id", uid).Warn("share location failed")
	}
	writeJSON(c, http.StatusOK, gin.H{"courier_id": uid, "position": p})
}

func (h *CourierHandler) PendingOffers(c *gin.Context) {
	offers, err := h.coord.PendingOffers(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"assignments": offers})
}

// CurrentJob answers with a null job when the courier is idle.
func (h *CourierHandler) CurrentJob(c *gin.Context) {
	job, err := h.coord.CurrentJob(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if errors.Is(err, assignment.ErrNotFound) {
		writeJSON(c, http.StatusOK, gin.H{"job": nil})
		return
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"job": job})
}

func (h *CourierHandler) TodayDeliveries(c *gin.Context) {
	counts, err := h.orders.TodayDeliveries(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	total := 0
	for _, hc := range counts {
		total += hc.Count
	}
	writeJSON(c, http.StatusOK, gin.H{"total": total, "hours": counts})
}

// Accept is the courier's claim on a broadcast. Losing callers get 409.
func (h *CourierHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := h.triggers.OnCourierAcceptRequest(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"assignment_id": a.ID,
		"order_id":      a.OrderID,
		"line_id":       a.LineID,
		"status":        a.Status,
	})
}
