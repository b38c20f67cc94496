package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeTicket serializes a Ticket to JSON and writes it to w.
// Returns an error if marshaling or writing fails.
func EncodeTicket(w io.Writer, t *Ticket) error {
	if t.Protocol != 1 {
		return fmt.Errorf("unsupported protocol version: %d", t.Protocol)
	}
	if t.OrderID == "" {
		return fmt.Errorf("ticket missing required field: order_id")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(t); err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}

	return nil
}

// DecodeTicket reads and deserializes a Ticket from JSON in r.
func DecodeTicket(r io.Reader) (*Ticket, error) {
	var t Ticket

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}

	if t.Protocol != 1 {
		return nil, fmt.Errorf("unsupported protocol version: %d", t.Protocol)
	}
	if t.OrderID == "" {
		return nil, fmt.Errorf("ticket missing required field: order_id")
	}

	return &t, nil
}

// DecodeReceipt reads and deserializes a Receipt from JSON in r.
// Returns an error if reading or unmarshaling fails, or if the receipt is invalid.
func DecodeReceipt(r io.Reader) (*Receipt, error) {
	var rec Receipt

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}

	// Validate required fields
	if rec.Status == "" {
		return nil, fmt.Errorf("receipt missing required field: status")
	}

	if rec.Status != "ok" && rec.Status != "error" {
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", rec.Status)
	}

	// If status is error, error message should be present
	if rec.Status == "error" && rec.Error == "" {
		return nil, fmt.Errorf("receipt has status=error but no error message")
	}

	return &rec, nil
}
