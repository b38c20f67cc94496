// Package roster tracks who is on duty, what they can cook, and who is
// currently tied up with an order. All three structures are guarded by one
// mutex and mutate together, so the speciality index can never reference a
// staff member the registry has forgotten.
package roster

import (
	"errors"
	"sync"

	"github.com/brigadehq/brigade/internal/protocol"
)

var (
	// ErrUnknownStaff is returned for lookups or deregistration of an id
	// that was never registered or has already been removed.
	ErrUnknownStaff = errors.New("unknown staff id")

	// ErrStaffBusy is returned when deregistration is refused because the
	// staff member is mid-relay.
	ErrStaffBusy = errors.New("staff is busy")

	// ErrNoStaffAvailable is returned when no one is on duty or everyone
	// on duty is busy.
	ErrNoStaffAvailable = errors.New("no staff available")
)

// Staff is a registered staff member. Attributes are fixed at registration;
// the channel is the handle the dispatcher exchanges payloads through.
type Staff struct {
	ID           string
	Specialities []string
	Channel      protocol.Channel
}

// Roster is the dispatcher's shared state: the staff registry, the derived
// speciality index, the busy gate, and the scan order used for selection.
type Roster struct {
	mu           sync.Mutex
	staff        map[string]*Staff
	specialities map[string]map[string]struct{} // speciality -> set of staff ids
	busy         map[string]struct{}
	scan         []string // selection order; acquired ids rotate to the back
}

// New creates an empty Roster.
func New() *Roster {
	return &Roster{
		staff:        make(map[string]*Staff),
		specialities: make(map[string]map[string]struct{}),
		busy:         make(map[string]struct{}),
	}
}

// Register adds or replaces the staff entry for id and updates the
// speciality index in the same critical section. Re-registration under an
// existing id keeps its scan position and its busy flag: identity, not the
// handle, is what the gate tracks.
func (r *Roster) Register(id string, specialities []string, ch protocol.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.staff[id]; ok {
		r.dropFromIndexLocked(prev)
	} else {
		r.scan = append(r.scan, id)
	}

	st := &Staff{
		ID:           id,
		Specialities: append([]string(nil), specialities...),
		Channel:      ch,
	}
	r.staff[id] = st

	for _, spe := range st.Specialities {
		set, ok := r.specialities[spe]
		if !ok {
			set = make(map[string]struct{})
			r.specialities[spe] = set
		}
		set[id] = struct{}{}
	}
}

// Deregister removes the staff entry and purges it from every speciality
// set. It refuses to remove a busy staff member; use Evict for that.
func (r *Roster) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.staff[id]; !ok {
		return ErrUnknownStaff
	}
	if _, busy := r.busy[id]; busy {
		return ErrStaffBusy
	}
	r.removeLocked(id)
	return nil
}

// Evict removes a staff entry even while it is busy. The in-flight relay
// keeps its channel handle and fails on its own terms; the busy flag is
// dropped here so the id cannot be stranded in the gate.
func (r *Roster) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.staff[id]; !ok {
		return ErrUnknownStaff
	}
	r.removeLocked(id)
	delete(r.busy, id)
	return nil
}

// Lookup returns the staff entry for id.
func (r *Roster) Lookup(id string) (*Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.staff[id]
	if !ok {
		return nil, ErrUnknownStaff
	}
	return st, nil
}

// Candidates returns the ids currently advertising speciality, in scan
// order. Empty if none.
func (r *Roster) Candidates(speciality string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.specialities[speciality]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for _, id := range r.scan {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Acquire selects an idle staff member and marks it busy in one critical
// section. Candidates for the requested speciality are scanned first; if
// none is free (or no speciality was requested, or it is unknown) the scan
// falls back to everyone on duty. The acquired id rotates to the back of
// the scan order, which spreads consecutive orders round-robin.
func (r *Roster) Acquire(speciality string) (*Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.selectLocked(speciality)
	if !ok {
		return nil, ErrNoStaffAvailable
	}

	r.busy[id] = struct{}{}
	r.rotateLocked(id)
	return r.staff[id], nil
}

// Release clears the busy flag for id. Safe to call after an Evict.
func (r *Roster) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
}

// IsBusy reports whether id is currently mid-relay.
func (r *Roster) IsBusy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[id]
	return ok
}

// OnDuty returns all registered ids in scan order.
func (r *Roster) OnDuty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scan...)
}

// selectLocked picks the first idle id, preferring speciality matches.
// The no-candidate case is an explicit miss, never leftover loop state.
func (r *Roster) selectLocked(speciality string) (string, bool) {
	if speciality != "" {
		if set, ok := r.specialities[speciality]; ok {
			for _, id := range r.scan {
				if _, advertises := set[id]; !advertises {
					continue
				}
				if _, busy := r.busy[id]; !busy {
					return id, true
				}
			}
		}
	}

	for _, id := range r.scan {
		if _, busy := r.busy[id]; !busy {
			return id, true
		}
	}
	return "", false
}

func (r *Roster) removeLocked(id string) {
	st := r.staff[id]
	r.dropFromIndexLocked(st)
	delete(r.staff, id)
	for i, sid := range r.scan {
		if sid == id {
			r.scan = append(r.scan[:i], r.scan[i+1:]...)
			break
		}
	}
}

func (r *Roster) dropFromIndexLocked(st *Staff) {
	for _, spe := range st.Specialities {
		if set, ok := r.specialities[spe]; ok {
			delete(set, st.ID)
			if len(set) == 0 {
				delete(r.specialities, spe)
			}
		}
	}
}

func (r *Roster) rotateLocked(id string) {
	for i, sid := range r.scan {
		if sid == id {
			r.scan = append(append(r.scan[:i:i], r.scan[i+1:]...), id)
			return
		}
	}
}
