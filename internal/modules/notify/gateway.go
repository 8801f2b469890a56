// README: Notification gateway contract and handle-prefix routing.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Event names pushed to clients.
const (
	EventNewAssignment          = "newAssignment"
	EventOrderDelivered         = "orderDelivered"
	EventDeliveryOTP            = "deliveryOtp"
	EventUpdateDeliveryLocation = "updateDeliveryLocation"
	EventUpdateStatus           = "updateStatus"
	EventAssignmentAccepted     = "assignmentAccepted"
)

// Handle prefixes select the channel a push goes out on.
const (
	PrefixSocket = "ws:"
	PrefixFCM    = "fcm:"
)

// ErrUnreachable means the handle has no live channel behind it.
var ErrUnreachable = errors.New("handle unreachable")

// Gateway delivers one event to one handle. Delivery is best effort; callers
// log failures instead of failing the operation that caused the push.
type Gateway interface {
	Push(ctx context.Context, handle, event string, payload any) error
}

// Router dispatches a push to the gateway registered for the handle's prefix.
type Router struct {
	routes []route
}

type route struct {
	prefix  string
	gateway Gateway
}

func NewRouter() *Router {
	return &Router{}
}

// Route registers g for handles starting with prefix. Later registrations do
// not override earlier ones for the same prefix.
func (r *Router) Route(prefix string, g Gateway) *Router {
	r.routes = append(r.routes, route{prefix: prefix, gateway: g})
	return r
}

func (r *Router) Push(ctx context.Context, handle, event string, payload any) error {
	if handle == "" {
		return ErrUnreachable
	}
	for _, rt := range r.routes {
		if strings.HasPrefix(handle, rt.prefix) {
			return rt.gateway.Push(ctx, handle, event, payload)
		}
	}
	return fmt.Errorf("no gateway for handle %q: %w", handle, ErrUnreachable)
}
