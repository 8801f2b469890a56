// README: Order handlers for the order-management layer and shop owners.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courierdispatch/internal/http/middleware"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

type OrderHandler struct {
	orders   *order.Service
	triggers *dispatch.Triggers
}

func NewOrderHandler(orders *order.Service, triggers *dispatch.Triggers) *OrderHandler {
	return &OrderHandler{orders: orders, triggers: triggers}
}

type lineReq struct {
	ID       string        `json:"id"`
	ShopID   string        `json:"shop_id"`
	ShopName string        `json:"shop_name"`
	OwnerID  string        `json:"owner_id"`
	Pickup   order.Address `json:"pickup"`
	Items    []order.Item  `json:"items"`
}

type createOrderReq struct {
	ID            string              `json:"id"`
	CustomerID    string              `json:"customer_id"`
	PaymentMethod order.PaymentMethod `json:"payment_method"`
	Address       order.Address       `json:"address"`
	Lines         []lineReq           `json:"lines"`
}

// Create registers the order snapshot. Dispatch waits for confirm or payment.
func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID != "" && !isValidID(req.ID) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return
	}
	cmd := order.CreateCommand{
		ID:            types.ID(req.ID),
		CustomerID:    types.ID(req.CustomerID),
		PaymentMethod: req.PaymentMethod,
		Address:       req.Address,
	}
	for _, l := range req.Lines {
		cmd.Lines = append(cmd.Lines, order.LineInput{
			ID:       types.ID(l.ID),
			ShopID:   types.ID(l.ShopID),
			ShopName: l.ShopName,
			OwnerID:  types.ID(l.OwnerID),
			Pickup:   l.Pickup,
			Items:    l.Items,
		})
	}
	o, err := h.orders.Register(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	lines := make([]gin.H, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, gin.H{"line_id": l.ID, "status": l.Status, "subtotal": l.Subtotal})
	}
	writeJSON(c, http.StatusCreated, gin.H{"order_id": o.ID, "lines": lines})
}

func (h *OrderHandler) Confirm(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	results, err := h.triggers.OnOrderConfirmedForDelivery(c.Request.Context(), id)
	if err != nil && len(results) == 0 {
		writeServiceError(c, err)
		return
	}
	body := gin.H{"order_id": id, "lines": lineResultsBody(results)}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(c, http.StatusOK, body)
}

func (h *OrderHandler) PaymentVerified(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	results, err := h.triggers.OnPaymentVerified(c.Request.Context(), id)
	if err != nil && len(results) == 0 {
		writeServiceError(c, err)
		return
	}
	body := gin.H{"order_id": id, "paid": true, "lines": lineResultsBody(results)}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(c, http.StatusOK, body)
}

type lineStatusReq struct {
	Status order.LineStatus `json:"status" binding:"required"`
}

// UpdateLineStatus is the shop owner's status change for its own line.
func (h *OrderHandler) UpdateLineStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(c, "lineId")
	if !ok {
		return
	}
	var req lineStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	o, res, err := h.triggers.UpdateLineStatus(c.Request.Context(), order.LineStatusCommand{
		OrderID: orderID,
		LineID:  lineID,
		OwnerID: types.ID(middleware.CallerUID(c)),
		Status:  req.Status,
	})
	if err != nil && o == nil {
		writeServiceError(c, err)
		return
	}
	body := gin.H{"order_id": orderID, "line_id": lineID, "status": req.Status}
	if res != nil {
		body["dispatch"] = resultBody(res)
	}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(c, http.StatusOK, body)
}
