// README: Delivery confirmation handlers (OTP issue and verify).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courierdispatch/internal/http/middleware"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

type DeliveryHandler struct {
	triggers *dispatch.Triggers
}

func NewDeliveryHandler(triggers *dispatch.Triggers) *DeliveryHandler {
	return &DeliveryHandler{triggers: triggers}
}

// SendOTP pushes a fresh code to the customer. The code never appears in the
// response.
func (h *DeliveryHandler) SendOTP(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(c, "lineId")
	if !ok {
		return
	}
	err := h.triggers.SendDeliveryOTP(c.Request.Context(), orderID, lineID, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": orderID, "line_id": lineID, "sent": true})
}

type verifyOTPReq struct {
	Code string `json:"code" binding:"required"`
}

func (h *DeliveryHandler) VerifyOTP(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(c, "lineId")
	if !ok {
		return
	}
	var req verifyOTPReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "code is required")
		return
	}
	o, err := h.triggers.VerifyDeliveryOTP(c.Request.Context(), order.VerifyOTPCommand{
		OrderID:   orderID,
		LineID:    lineID,
		CourierID: types.ID(middleware.CallerUID(c)),
		Code:      req.Code,
	})
	if err != nil && o == nil {
		writeServiceError(c, err)
		return
	}
	// The line is delivered even when closing the assignment failed.
	body := gin.H{"order_id": orderID, "line_id": lineID, "status": order.LineDelivered}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(c, http.StatusOK, body)
}
