package protocol

import "context"

// Kind identifies the type of an inbound event.
type Kind string

const (
	KindStaffOnDuty  Kind = "staff.onduty"
	KindStaffOffDuty Kind = "staff.offduty"
	KindOrder        Kind = "order"
)

// Channel is the duplex handle supplied with every event. Pull blocks until
// the peer provides the next payload; Push blocks until the peer accepts one.
// Both honour ctx cancellation. The dispatcher never interprets payloads.
type Channel interface {
	Pull(ctx context.Context) ([]byte, error)
	Push(ctx context.Context, payload []byte) error
}

// Event is one discrete unit of work delivered to the dispatcher.
//
// For staff.onduty the channel becomes the staff member's handle for the
// duration of their shift. For order events the channel belongs to the
// requester: the full ticket is pulled from it and the receipt pushed back.
type Event struct {
	Kind         Kind
	StaffID      string   // staff.onduty, staff.offduty
	Specialities []string // staff.onduty only; may be empty
	Speciality   string   // order only; empty means no preference
	Channel      Channel
}

// Ticket is the protocol v1 order envelope pulled from a requester channel.
// The dispatcher relays tickets as opaque bytes; this envelope is for edges
// (and the built-in simulator) that exchange structured orders.
type Ticket struct {
	Protocol   int            `json:"protocol"`
	OrderID    string         `json:"order_id"`
	Speciality string         `json:"speciality,omitempty"`
	Items      []string       `json:"items,omitempty"`
	Notes      map[string]any `json:"notes,omitempty"`
}

// Receipt is the protocol v1 result envelope pushed back to the requester.
type Receipt struct {
	Status  string         `json:"status"` // ok | error
	Error   string         `json:"error,omitempty"`
	StaffID string         `json:"staff_id,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}
