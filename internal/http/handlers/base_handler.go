// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the ids produced by types.NewID and the external systems
// we receive orders from: letters, digits, '-' and '_', at most 64 chars.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads a path parameter and writes 400 when it is not a valid id.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module sentinels to status codes.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest),
		errors.Is(err, courier.ErrBadRequest),
		errors.Is(err, assignment.ErrInvalidInput),
		errors.Is(err, order.ErrInvalidOTP):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotOwner),
		errors.Is(err, order.ErrNotAssignee),
		errors.Is(err, assignment.ErrNotCandidate):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, courier.ErrNotFound),
		errors.Is(err, assignment.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidState),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, assignment.ErrAlreadyResolved),
		errors.Is(err, assignment.ErrCourierBusy),
		errors.Is(err, assignment.ErrLineAssigned):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrCustomerUnreachable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func resultBody(r *dispatch.Result) gin.H {
	if r == nil {
		return nil
	}
	body := gin.H{
		"outcome":     r.Outcome,
		"candidates":  r.Candidates,
		"notified":    r.Notified,
		"unreachable": r.Unreachable,
	}
	if r.Assignment != nil {
		body["assignment_id"] = r.Assignment.ID
	}
	return body
}

func lineResultsBody(results []dispatch.LineResult) []gin.H {
	out := make([]gin.H, 0, len(results))
	for _, lr := range results {
		b := resultBody(lr.Result)
		if b == nil {
			b = gin.H{}
		}
		b["line_id"] = lr.LineID
		out = append(out, b)
	}
	return out
}
