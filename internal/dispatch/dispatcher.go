package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/internal/config"
	"github.com/brigadehq/brigade/internal/events"
	"github.com/brigadehq/brigade/internal/journal"
	"github.com/brigadehq/brigade/internal/log"
	"github.com/brigadehq/brigade/internal/metrics"
	"github.com/brigadehq/brigade/internal/protocol"
	"github.com/brigadehq/brigade/internal/roster"
)

var (
	// ErrStaffUnreachable marks a selected staff member whose channel
	// failed mid-relay.
	ErrStaffUnreachable = errors.New("staff unreachable")

	// ErrRelayTimeout marks a relay suspension point that exceeded the
	// configured bounded wait.
	ErrRelayTimeout = errors.New("relay timed out")
)

// Dispatcher routes inbound events: registry mutations for staff events,
// the matcher/relay protocol for orders.
type Dispatcher struct {
	roster  *roster.Roster
	journal *journal.Journal // optional
	hub     *events.Hub      // optional
	cfg     *config.Config
	logger  *slog.Logger
}

// New creates a new Dispatcher. journal and hub may be nil.
func New(ros *roster.Roster, jnl *journal.Journal, hub *events.Hub, cfg *config.Config) *Dispatcher {
	if cfg == nil {
		cfg = config.Defaults()
	}
	return &Dispatcher{
		roster:  ros,
		journal: jnl,
		hub:     hub,
		cfg:     cfg,
		logger:  log.WithComponent("dispatch"),
	}
}

// Handle processes one inbound event. Registry errors surface to the caller
// of the event that caused them; order relay errors surface after the busy
// gate has been released.
func (d *Dispatcher) Handle(ctx context.Context, ev protocol.Event) error {
	switch ev.Kind {
	case protocol.KindStaffOnDuty:
		return d.handleOnDuty(ev)
	case protocol.KindStaffOffDuty:
		return d.handleOffDuty(ev)
	case protocol.KindOrder:
		return d.handleOrder(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind: %q", ev.Kind)
	}
}

func (d *Dispatcher) handleOnDuty(ev protocol.Event) error {
	if ev.StaffID == "" {
		return fmt.Errorf("staff.onduty event has empty staff id")
	}
	if ev.Channel == nil {
		return fmt.Errorf("staff.onduty event has no channel")
	}

	d.roster.Register(ev.StaffID, ev.Specialities, ev.Channel)
	metrics.StaffOnDuty.Set(float64(len(d.roster.OnDuty())))

	log.WithStaff(ev.StaffID).Info("staff on duty", "specialities", ev.Specialities)
	d.publish(events.TypeStaffOnDuty, map[string]string{"staff_id": ev.StaffID})
	return nil
}

func (d *Dispatcher) handleOffDuty(ev protocol.Event) error {
	if ev.StaffID == "" {
		return fmt.Errorf("staff.offduty event has empty staff id")
	}

	var err error
	if d.cfg.RejectBusyOffduty() {
		err = d.roster.Deregister(ev.StaffID)
	} else {
		err = d.roster.Evict(ev.StaffID)
	}
	if err != nil {
		return fmt.Errorf("deregister staff %q: %w", ev.StaffID, err)
	}
	metrics.StaffOnDuty.Set(float64(len(d.roster.OnDuty())))

	log.WithStaff(ev.StaffID).Info("staff off duty")
	d.publish(events.TypeStaffOffDuty, map[string]string{"staff_id": ev.StaffID})
	return nil
}

// handleOrder runs the matcher/relay state machine for one order event.
func (d *Dispatcher) handleOrder(ctx context.Context, ev protocol.Event) error {
	if ev.Channel == nil {
		return fmt.Errorf("order event has no channel")
	}

	orderID := uuid.NewString()
	createdAt := time.Now().UTC()
	orderLogger := log.WithOrder(orderID).With("speciality", ev.Speciality)

	// SELECTING + BUSY: one atomic step inside the roster.
	staff, err := d.roster.Acquire(ev.Speciality)
	if err != nil {
		orderLogger.Warn("order rejected", "error", err)
		metrics.OrdersRejectedTotal.WithLabelValues("no_staff_available").Inc()
		d.record(ctx, journal.Entry{
			ID:         orderID,
			Speciality: ev.Speciality,
			Status:     journal.StatusRejected,
			CreatedAt:  createdAt,
		}, err)
		d.publish(events.TypeOrderFailed, map[string]string{
			"order_id": orderID,
			"reason":   "no_staff_available",
		})
		return fmt.Errorf("order %s: %w", orderID, err)
	}

	orderLogger = orderLogger.With("staff_id", staff.ID)
	orderLogger.Debug("staff acquired")
	d.publish(events.TypeOrderDispatched, map[string]string{
		"order_id": orderID,
		"staff_id": staff.ID,
	})

	// RELAYING happens outside the roster lock; DONE always releases the
	// gate, whatever happened in between.
	start := time.Now()
	ticket, relayErr := d.relay(ctx, ev.Channel, staff.Channel)
	d.roster.Release(staff.ID)
	metrics.RelayDurationSeconds.Observe(time.Since(start).Seconds())

	status := journal.StatusSucceeded
	switch {
	case errors.Is(relayErr, ErrRelayTimeout):
		status = journal.StatusTimedOut
	case relayErr != nil:
		status = journal.StatusFailed
	}

	completedAt := time.Now().UTC()
	d.record(ctx, journal.Entry{
		ID:          orderID,
		Speciality:  ev.Speciality,
		StaffID:     staff.ID,
		Status:      status,
		Fingerprint: journal.Fingerprint(ticket),
		CreatedAt:   createdAt,
		CompletedAt: &completedAt,
	}, relayErr)

	spe := ev.Speciality
	if spe == "" {
		spe = "none"
	}
	metrics.OrdersDispatchedTotal.WithLabelValues(spe, string(status)).Inc()

	if relayErr != nil {
		orderLogger.Error("relay failed", "status", status, "error", relayErr)
		d.publish(events.TypeOrderFailed, map[string]string{
			"order_id": orderID,
			"staff_id": staff.ID,
			"status":   string(status),
		})
		return fmt.Errorf("order %s: %w", orderID, relayErr)
	}

	orderLogger.Info("order completed")
	d.publish(events.TypeOrderCompleted, map[string]string{
		"order_id": orderID,
		"staff_id": staff.ID,
	})
	return nil
}

// relay performs the two-phase exchange: pull the full ticket from the
// requester, forward it to the staff channel, await the receipt, return it
// to the requester. Each of the four suspension points runs under its own
// bounded wait. Returns the pulled ticket bytes for journaling.
func (d *Dispatcher) relay(ctx context.Context, requester, staff protocol.Channel) ([]byte, error) {
	ticket, err := d.pull(ctx, requester)
	if err != nil {
		return nil, fmt.Errorf("pull ticket: %w", err)
	}

	if err := d.push(ctx, staff, ticket); err != nil {
		return ticket, fmt.Errorf("forward ticket: %w", d.staffErr(err))
	}

	receipt, err := d.pull(ctx, staff)
	if err != nil {
		return ticket, fmt.Errorf("await receipt: %w", d.staffErr(err))
	}

	if err := d.push(ctx, requester, receipt); err != nil {
		return ticket, fmt.Errorf("return receipt: %w", err)
	}

	return ticket, nil
}

func (d *Dispatcher) pull(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	sctx, cancel := d.stepContext(ctx)
	defer cancel()

	payload, err := ch.Pull(sctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrRelayTimeout
	}
	return payload, err
}

func (d *Dispatcher) push(ctx context.Context, ch protocol.Channel, payload []byte) error {
	sctx, cancel := d.stepContext(ctx)
	defer cancel()

	err := ch.Push(sctx, payload)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrRelayTimeout
	}
	return err
}

// stepContext bounds one relay suspension point.
func (d *Dispatcher) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.cfg.Service.RelayTimeout.Std()
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// staffErr tags staff-channel failures so callers can tell a dead staff
// member from a requester problem.
func (d *Dispatcher) staffErr(err error) error {
	if errors.Is(err, ErrRelayTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStaffUnreachable, err)
}

func (d *Dispatcher) record(ctx context.Context, e journal.Entry, cause error) {
	if d.journal == nil {
		return
	}
	if cause != nil {
		msg := cause.Error()
		e.LastError = &msg
	}
	if err := d.journal.Record(ctx, e); err != nil {
		d.logger.Error("failed to journal relay", "order_id", e.ID, "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, fields map[string]string) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(eventType, fields)
}
