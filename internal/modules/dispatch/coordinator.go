// README: Dispatch coordinator; finds candidates, opens broadcasts and resolves acceptance and completion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"courierdispatch/internal/config"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

// maxLinkAttempts bounds the retries when concurrent dispatches race to link
// the same order line.
const maxLinkAttempts = 5

type Deps struct {
	Directory Directory
	Finder    Finder
	Ledger    Ledger
	Orders    Orders
	Gateway   notify.Gateway
	// Events and Metrics are optional.
	Events  EventPublisher
	Metrics *metrics.Dispatch
	Log     logrus.FieldLogger
	Config  config.DispatchConfig
}

type Coordinator struct {
	directory Directory
	finder    Finder
	ledger    Ledger
	orders    Orders
	gateway   notify.Gateway
	events    EventPublisher
	metrics   *metrics.Dispatch
	log       logrus.FieldLogger
	cfg       config.DispatchConfig
}

func NewCoordinator(d Deps) *Coordinator {
	c := &Coordinator{
		directory: d.Directory,
		finder:    d.Finder,
		ledger:    d.Ledger,
		orders:    d.Orders,
		gateway:   d.Gateway,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       d.Log,
		cfg:       d.Config,
	}
	if c.events == nil {
		c.events = NopPublisher{}
	}
	if c.metrics == nil {
		c.metrics = metrics.NewDispatch(nil)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

// Dispatch offers one order line to every available courier near the delivery
// address. Finding nobody is an outcome, not an error. Push failures are
// logged and counted only.
func (c *Coordinator) Dispatch(ctx context.Context, cmd DispatchCommand) (*Result, error) {
	if cmd.Order == nil {
		return nil, order.ErrBadRequest
	}
	line, ok := cmd.Order.Line(cmd.LineID)
	if !ok {
		return nil, fmt.Errorf("line %s: %w", cmd.LineID, order.ErrNotFound)
	}
	radius := cmd.RadiusMeters
	if radius <= 0 {
		radius = c.cfg.WideRadiusMeters
	}
	log := c.log.WithFields(logrus.Fields{"order_id": cmd.Order.ID, "line_id": line.ID, "radius_m": radius})

	candidates, err := c.finder.FindAvailable(ctx, cmd.Order.Address.Point, radius)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		c.metrics.NoCandidates.Inc()
		if err := c.events.NoCandidates(ctx, cmd.Order.ID, line.ID); err != nil {
			log.WithError(err).Warn("publish no-candidates event failed")
		}
		log.Info("no available couriers")
		return &Result{Outcome: OutcomeNoCandidates, Candidates: candidates}, nil
	}

	a, err := c.ledger.Create(ctx, assignment.CreateCommand{
		OrderID:    cmd.Order.ID,
		LineID:     line.ID,
		ShopID:     line.ShopID,
		Candidates: matching.IDs(candidates),
	})
	if err != nil {
		return nil, err
	}
	if err := c.linkLine(ctx, a, line.AssignmentID); err != nil {
		return nil, fmt.Errorf("link assignment to order line: %w", err)
	}
	c.metrics.AssignmentsCreated.Inc()
	if err := c.events.AssignmentBroadcast(ctx, a); err != nil {
		log.WithError(err).Warn("publish broadcast event failed")
	}

	res := &Result{Outcome: OutcomeBroadcast, Assignment: a, Candidates: candidates}
	offer := offerFor(a, cmd.Order, line)
	for _, cand := range candidates {
		if !cand.Reachable() {
			res.Unreachable++
			continue
		}
		if c.push(ctx, cand.Handle, notify.EventNewAssignment, offer) {
			res.Notified++
		}
	}
	log.WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"candidates":    len(candidates),
		"notified":      res.Notified,
		"unreachable":   res.Unreachable,
	}).Info("assignment broadcast")
	return res, nil
}

// ResolveAcceptance returns ledger errors unchanged so callers can tell the
// losing reasons apart. The winner may call again to finish recording the
// assignee on the order line.
func (c *Coordinator) ResolveAcceptance(ctx context.Context, assignmentID, courierID types.ID) (*assignment.Assignment, error) {
	a, err := c.ledger.Accept(ctx, assignment.AcceptCommand{AssignmentID: assignmentID, CourierID: courierID})
	c.metrics.AcceptOutcomes.WithLabelValues(acceptLabel(err)).Inc()
	if errors.Is(err, assignment.ErrAlreadyResolved) {
		won, recorded, gerr := c.acceptedBy(ctx, assignmentID, courierID)
		if gerr != nil || won == nil {
			return nil, err
		}
		if recorded {
			return won, nil
		}
		a, err = won, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.orders.SetAssignee(ctx, a.OrderID, a.LineID, courierID); err != nil {
		return nil, fmt.Errorf("record assignee on order line: %w", err)
	}

	log := c.log.WithFields(logrus.Fields{"assignment_id": a.ID, "courier_id": courierID})
	if err := c.events.AssignmentAccepted(ctx, a); err != nil {
		log.WithError(err).Warn("publish accepted event failed")
	}
	if o, err := c.orders.Get(ctx, a.OrderID); err == nil {
		if l, ok := o.Line(a.LineID); ok {
			c.notifyUser(ctx, l.OwnerID, notify.EventAssignmentAccepted, map[string]any{
				"assignmentId": a.ID,
				"orderId":      a.OrderID,
				"lineId":       a.LineID,
				"courierId":    courierID,
			})
		}
	}
	log.Info("assignment accepted")
	return a, nil
}

// acceptedBy returns the assignment when courierID is its accepted assignee,
// and whether the order line already records that courier.
func (c *Coordinator) acceptedBy(ctx context.Context, assignmentID, courierID types.ID) (*assignment.Assignment, bool, error) {
	a, err := c.ledger.Get(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	if a.Status != assignment.StatusAccepted || a.AssigneeID == nil || *a.AssigneeID != courierID {
		return nil, false, nil
	}
	o, err := c.orders.Get(ctx, a.OrderID)
	if err != nil {
		return nil, false, err
	}
	l, ok := o.Line(a.LineID)
	if !ok {
		return nil, false, order.ErrNotFound
	}
	return a, l.AssigneeID != nil && *l.AssigneeID == courierID, nil
}

// linkLine points the order line at a. When another dispatch moved the link
// first, the live broadcast keeps it: a superseded or expired a gives up.
func (c *Coordinator) linkLine(ctx context.Context, a *assignment.Assignment, prev *types.ID) error {
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		err := c.orders.LinkAssignment(ctx, a.OrderID, a.LineID, a.ID, prev)
		if !errors.Is(err, order.ErrConflict) {
			return err
		}
		cur, err := c.ledger.Get(ctx, a.ID)
		if err != nil {
			return err
		}
		if cur.Status == assignment.StatusSuperseded || cur.Status == assignment.StatusExpired {
			c.log.WithField("assignment_id", a.ID).Info("newer broadcast owns the line link")
			return nil
		}
		o, err := c.orders.Get(ctx, a.OrderID)
		if err != nil {
			return err
		}
		l, ok := o.Line(a.LineID)
		if !ok {
			return order.ErrNotFound
		}
		if l.AssignmentID != nil && *l.AssignmentID == a.ID {
			return nil
		}
		prev = l.AssignmentID
	}
	return order.ErrConflict
}

// ResolveCompletion closes the courier's job for the line. Only the call that
// changed state notifies the shop owner and the customer.
func (c *Coordinator) ResolveCompletion(ctx context.Context, orderID, lineID, courierID types.ID) (bool, error) {
	changed, err := c.ledger.Complete(ctx, assignment.CompleteCommand{OrderID: orderID, LineID: lineID, CourierID: courierID})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	c.metrics.Completions.Inc()

	log := c.log.WithFields(logrus.Fields{"order_id": orderID, "line_id": lineID, "courier_id": courierID})
	if err := c.events.AssignmentCompleted(ctx, orderID, lineID, courierID); err != nil {
		log.WithError(err).Warn("publish completed event failed")
	}

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		log.WithError(err).Warn("load order for delivery notice failed")
		return true, nil
	}
	l, ok := o.Line(lineID)
	if !ok {
		return true, nil
	}
	payload := map[string]any{
		"orderId":   orderID,
		"lineId":    lineID,
		"shopName":  l.ShopName,
		"courierId": courierID,
	}
	c.notifyUser(ctx, l.OwnerID, notify.EventOrderDelivered, payload)
	c.notifyUser(ctx, o.CustomerID, notify.EventOrderDelivered, payload)
	log.Info("delivery completed")
	return true, nil
}

// PendingOffers lists the broadcasts still open to the courier, newest first.
func (c *Coordinator) PendingOffers(ctx context.Context, courierID types.ID) ([]Offer, error) {
	pending, err := c.ledger.FindActiveForCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(pending))
	for _, a := range pending {
		o, err := c.orders.Get(ctx, a.OrderID)
		if err != nil {
			c.log.WithError(err).WithField("assignment_id", a.ID).Warn("skip offer without order")
			continue
		}
		l, ok := o.Line(a.LineID)
		if !ok {
			continue
		}
		out = append(out, offerFor(a, o, l))
	}
	return out, nil
}

// CurrentJob returns assignment.ErrNotFound when the courier is idle.
func (c *Coordinator) CurrentJob(ctx context.Context, courierID types.ID) (*Job, error) {
	a, err := c.ledger.FindAcceptedForCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	o, err := c.orders.Get(ctx, a.OrderID)
	if err != nil {
		return nil, err
	}
	l, ok := o.Line(a.LineID)
	if !ok {
		return nil, fmt.Errorf("line %s: %w", a.LineID, order.ErrNotFound)
	}
	job := &Job{
		AssignmentID:    a.ID,
		OrderID:         o.ID,
		LineID:          l.ID,
		ShopID:          l.ShopID,
		ShopName:        l.ShopName,
		CustomerID:      o.CustomerID,
		Pickup:          l.Pickup,
		DeliveryAddress: o.Address,
		Items:           l.Items,
		Subtotal:        l.Subtotal,
		LineStatus:      l.Status,
		AcceptedAt:      a.AcceptedAt,
	}
	if cr, err := c.directory.Get(ctx, courierID); err == nil {
		pos := cr.Position
		job.CourierPosition = &pos
	}
	return job, nil
}

// ShareLocation forwards the courier's position to the customer of its current
// job. Idle couriers share nothing.
func (c *Coordinator) ShareLocation(ctx context.Context, courierID types.ID, p types.Point) error {
	a, err := c.ledger.FindAcceptedForCourier(ctx, courierID)
	if errors.Is(err, assignment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o, err := c.orders.Get(ctx, a.OrderID)
	if err != nil {
		return err
	}
	c.notifyUser(ctx, o.CustomerID, notify.EventUpdateDeliveryLocation, map[string]any{
		"orderId":   o.ID,
		"lineId":    a.LineID,
		"courierId": courierID,
		"latitude":  p.Lat,
		"longitude": p.Lng,
	})
	return nil
}

// RunExpiryMonitor closes stale broadcasts until ctx ends. It returns at once
// when no broadcast TTL is configured.
func (c *Coordinator) RunExpiryMonitor(ctx context.Context) {
	if c.cfg.BroadcastTTL <= 0 {
		return
	}
	tick := c.cfg.ExpiryTick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expireOnce(ctx)
		}
	}
}

func (c *Coordinator) expireOnce(ctx context.Context) {
	n, err := c.ledger.ExpireStale(ctx, c.cfg.BroadcastTTL)
	if err != nil {
		c.log.WithError(err).Error("expire stale broadcasts failed")
		return
	}
	if n > 0 {
		c.metrics.Expired.Add(float64(n))
		c.log.WithField("expired", n).Info("stale broadcasts expired")
	}
}

// lineBlocksDispatch reports whether the line already went to a courier or is
// being offered. Superseded and expired broadcasts allow a new attempt.
func (c *Coordinator) lineBlocksDispatch(ctx context.Context, l *order.Line) (bool, error) {
	if l.Status == order.LineDelivered || l.AssigneeID != nil {
		return true, nil
	}
	if l.AssignmentID == nil {
		return false, nil
	}
	a, err := c.ledger.Get(ctx, *l.AssignmentID)
	if errors.Is(err, assignment.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Status != assignment.StatusSuperseded && a.Status != assignment.StatusExpired, nil
}

func (c *Coordinator) notifyUser(ctx context.Context, userID types.ID, event string, payload any) bool {
	log := c.log.WithFields(logrus.Fields{"user_id": userID, "event": event})
	handle, ok, err := c.directory.HandleFor(ctx, userID)
	if err != nil {
		c.metrics.NotificationsFailed.WithLabelValues(event).Inc()
		log.WithError(err).Warn("handle lookup failed")
		return false
	}
	if !ok {
		log.Debug("user not reachable")
		return false
	}
	return c.push(ctx, handle, event, payload)
}

func (c *Coordinator) push(ctx context.Context, handle, event string, payload any) bool {
	if c.cfg.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PushTimeout)
		defer cancel()
	}
	if err := c.gateway.Push(ctx, handle, event, payload); err != nil {
		c.metrics.NotificationsFailed.WithLabelValues(event).Inc()
		c.log.WithError(err).WithFields(logrus.Fields{"handle": handle, "event": event}).Warn("push failed")
		return false
	}
	return true
}

func acceptLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, assignment.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, assignment.ErrCourierBusy):
		return "courier_busy"
	case errors.Is(err, assignment.ErrNotCandidate):
		return "not_candidate"
	case errors.Is(err, assignment.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
