// Package dispatch is the single entry point of the engine. It consumes
// discrete events (staff.onduty, staff.offduty, order) and performs the
// matcher/relay protocol for orders.
//
// An order moves through four states:
//
//	SELECTING  pick the first idle staff member, preferring a speciality
//	           match, in the roster's scan order
//	BUSY       selection and busy-marking happen in one roster critical
//	           section; two concurrent orders can never pick the same id
//	RELAYING   pull the ticket from the requester, forward it to the staff
//	           channel, await the receipt, push it back to the requester;
//	           every suspension point runs outside the roster lock and
//	           under a bounded wait
//	DONE       the busy flag is cleared exactly once, success or failure
//
// Error handling:
//   - No one on duty, or everyone busy → roster.ErrNoStaffAvailable,
//     surfaced to the caller and journaled as rejected
//   - Staff channel failure mid-relay → ErrStaffUnreachable, gate released
//   - Bounded wait expiry → ErrRelayTimeout, gate released, journaled as
//     timed_out
//   - Offduty for a busy id → roster.ErrStaffBusy under the default policy;
//     with reject_busy_offduty disabled the entry is evicted and the
//     in-flight relay fails on its channel instead
//
// Nothing is retried; retry policy belongs to the collaborator delivering
// events.
package dispatch
