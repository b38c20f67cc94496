package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brigadehq/brigade/internal/config"
	"github.com/brigadehq/brigade/internal/events"
	"github.com/brigadehq/brigade/internal/journal"
	"github.com/brigadehq/brigade/internal/log"
	"github.com/brigadehq/brigade/internal/protocol"
	"github.com/brigadehq/brigade/internal/roster"
	"github.com/brigadehq/brigade/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeChannel is a hand-rolled protocol.Channel double.
type fakeChannel struct {
	pull func(ctx context.Context) ([]byte, error)
	push func(ctx context.Context, payload []byte) error
}

func (f *fakeChannel) Pull(ctx context.Context) ([]byte, error) {
	if f.pull == nil {
		return nil, errors.New("unexpected Pull")
	}
	return f.pull(ctx)
}

func (f *fakeChannel) Push(ctx context.Context, payload []byte) error {
	if f.push == nil {
		return errors.New("unexpected Push")
	}
	return f.push(ctx, payload)
}

// replyChannel is a staff double that accepts one ticket and answers with a
// fixed receipt.
func replyChannel(receipt []byte, got *[][]byte) *fakeChannel {
	return &fakeChannel{
		push: func(ctx context.Context, payload []byte) error {
			*got = append(*got, payload)
			return nil
		},
		pull: func(ctx context.Context) ([]byte, error) {
			return receipt, nil
		},
	}
}

// requesterChannel is an order-side double serving one ticket and capturing
// the receipt.
func requesterChannel(ticket []byte, pulls *int, receipts *[][]byte) *fakeChannel {
	return &fakeChannel{
		pull: func(ctx context.Context) ([]byte, error) {
			*pulls++
			return ticket, nil
		},
		push: func(ctx context.Context, payload []byte) error {
			*receipts = append(*receipts, payload)
			return nil
		},
	}
}

func setupTestDispatcher(t *testing.T, mutate func(*config.Config)) (*Dispatcher, *roster.Roster, *journal.Journal) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	jnl := journal.New(db)
	ros := roster.New()
	return New(ros, jnl, events.NewHub(16), cfg), ros, jnl
}

func onduty(id string, specialities []string, ch protocol.Channel) protocol.Event {
	return protocol.Event{
		Kind:         protocol.KindStaffOnDuty,
		StaffID:      id,
		Specialities: specialities,
		Channel:      ch,
	}
}

func order(speciality string, ch protocol.Channel) protocol.Event {
	return protocol.Event{Kind: protocol.KindOrder, Speciality: speciality, Channel: ch}
}

func TestHandleOrderRoundTrip(t *testing.T) {
	disp, ros, jnl := setupTestDispatcher(t, nil)
	ctx := context.Background()

	ticket := []byte(`{"dish":"ramen"}`)
	receipt := []byte(`{"status":"ok"}`)

	var staffGot [][]byte
	if err := disp.Handle(ctx, onduty("alice", []string{"grill"}, replyChannel(receipt, &staffGot))); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		requesterPulls int
		receipts       [][]byte
	)
	if err := disp.Handle(ctx, order("grill", requesterChannel(ticket, &requesterPulls, &receipts))); err != nil {
		t.Fatalf("order: %v", err)
	}

	if requesterPulls != 1 {
		t.Fatalf("requester pulled %d times, want 1", requesterPulls)
	}
	if len(staffGot) != 1 || !bytes.Equal(staffGot[0], ticket) {
		t.Fatalf("staff received %v, want one ticket %s", staffGot, ticket)
	}
	if len(receipts) != 1 || !bytes.Equal(receipts[0], receipt) {
		t.Fatalf("requester received %v, want one receipt %s", receipts, receipt)
	}
	if ros.IsBusy("alice") {
		t.Fatal("busy flag not cleared after successful relay")
	}

	entries, err := jnl.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("journal.Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal holds %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != journal.StatusSucceeded || e.StaffID != "alice" || e.Speciality != "grill" {
		t.Fatalf("unexpected journal entry: %+v", e)
	}
	if e.Fingerprint != journal.Fingerprint(ticket) {
		t.Fatalf("fingerprint mismatch: %q", e.Fingerprint)
	}
}

func TestHandleOrderNoStaffAvailable(t *testing.T) {
	disp, _, jnl := setupTestDispatcher(t, nil)
	ctx := context.Background()

	err := disp.Handle(ctx, order("", &fakeChannel{}))
	if !errors.Is(err, roster.ErrNoStaffAvailable) {
		t.Fatalf("Handle = %v, want ErrNoStaffAvailable", err)
	}

	entries, err := jnl.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("journal.Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != journal.StatusRejected {
		t.Fatalf("expected one rejected journal entry, got %+v", entries)
	}
}

func TestHandleOrderAllBusy(t *testing.T) {
	disp, ros, _ := setupTestDispatcher(t, nil)
	ctx := context.Background()

	var got [][]byte
	if err := disp.Handle(ctx, onduty("alice", nil, replyChannel([]byte("r"), &got))); err != nil {
		t.Fatalf("onduty: %v", err)
	}
	if _, err := ros.Acquire(""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	err := disp.Handle(ctx, order("", &fakeChannel{}))
	if !errors.Is(err, roster.ErrNoStaffAvailable) {
		t.Fatalf("Handle with all staff busy = %v, want ErrNoStaffAvailable", err)
	}
}

func TestRelayFailureReleasesGate(t *testing.T) {
	disp, ros, jnl := setupTestDispatcher(t, nil)
	ctx := context.Background()

	brokenStaff := &fakeChannel{
		push: func(ctx context.Context, payload []byte) error {
			return errors.New("walked out")
		},
	}
	if err := disp.Handle(ctx, onduty("alice", nil, brokenStaff)); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		pulls    int
		receipts [][]byte
	)
	err := disp.Handle(ctx, order("", requesterChannel([]byte("t"), &pulls, &receipts)))
	if !errors.Is(err, ErrStaffUnreachable) {
		t.Fatalf("Handle = %v, want ErrStaffUnreachable", err)
	}

	if ros.IsBusy("alice") {
		t.Fatal("busy flag stranded after relay failure")
	}

	entries, _ := jnl.Recent(ctx, 10)
	if len(entries) != 1 || entries[0].Status != journal.StatusFailed {
		t.Fatalf("expected one failed journal entry, got %+v", entries)
	}
	if entries[0].LastError == nil {
		t.Fatal("failed entry missing error text")
	}
}

func TestRelayTimeoutReleasesGate(t *testing.T) {
	disp, ros, jnl := setupTestDispatcher(t, func(cfg *config.Config) {
		cfg.Service.RelayTimeout = config.Duration(30 * time.Millisecond)
	})
	ctx := context.Background()

	stuckStaff := &fakeChannel{
		push: func(ctx context.Context, payload []byte) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	if err := disp.Handle(ctx, onduty("alice", nil, stuckStaff)); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		pulls    int
		receipts [][]byte
	)
	err := disp.Handle(ctx, order("", requesterChannel([]byte("t"), &pulls, &receipts)))
	if !errors.Is(err, ErrRelayTimeout) {
		t.Fatalf("Handle = %v, want ErrRelayTimeout", err)
	}

	if ros.IsBusy("alice") {
		t.Fatal("busy flag stranded after timeout")
	}

	entries, _ := jnl.Recent(ctx, 10)
	if len(entries) != 1 || entries[0].Status != journal.StatusTimedOut {
		t.Fatalf("expected one timed_out journal entry, got %+v", entries)
	}
}

func TestOffDutyWhileBusyRejected(t *testing.T) {
	disp, ros, _ := setupTestDispatcher(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	slowStaff := &fakeChannel{
		push: func(ctx context.Context, payload []byte) error {
			close(started)
			<-release
			return nil
		},
		pull: func(ctx context.Context) ([]byte, error) {
			return []byte("receipt"), nil
		},
	}
	if err := disp.Handle(ctx, onduty("alice", nil, slowStaff)); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		pulls    int
		receipts [][]byte
	)
	done := make(chan error, 1)
	go func() {
		done <- disp.Handle(ctx, order("", requesterChannel([]byte("t"), &pulls, &receipts)))
	}()

	<-started
	err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOffDuty, StaffID: "alice"})
	if !errors.Is(err, roster.ErrStaffBusy) {
		t.Fatalf("offduty while busy = %v, want ErrStaffBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("relay: %v", err)
	}

	// After the relay completes the offduty event goes through.
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOffDuty, StaffID: "alice"}); err != nil {
		t.Fatalf("offduty after relay: %v", err)
	}
	if _, err := ros.Lookup("alice"); !errors.Is(err, roster.ErrUnknownStaff) {
		t.Fatalf("Lookup after offduty: %v", err)
	}
}

func TestOffDutyWhileBusyEvictsWhenPolicyDisabled(t *testing.T) {
	disp, ros, _ := setupTestDispatcher(t, func(cfg *config.Config) {
		reject := false
		cfg.Dispatch.RejectBusyOffduty = &reject
	})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	leavingStaff := &fakeChannel{
		push: func(ctx context.Context, payload []byte) error {
			close(started)
			<-release
			return errors.New("shift ended")
		},
	}
	if err := disp.Handle(ctx, onduty("alice", nil, leavingStaff)); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		pulls    int
		receipts [][]byte
	)
	done := make(chan error, 1)
	go func() {
		done <- disp.Handle(ctx, order("", requesterChannel([]byte("t"), &pulls, &receipts)))
	}()

	<-started
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOffDuty, StaffID: "alice"}); err != nil {
		t.Fatalf("offduty with policy disabled: %v", err)
	}
	if _, err := ros.Lookup("alice"); !errors.Is(err, roster.ErrUnknownStaff) {
		t.Fatalf("Lookup after eviction: %v", err)
	}

	// The in-flight relay fails with a defined error; the order is not
	// silently lost and the gate is not stranded.
	close(release)
	err := <-done
	if !errors.Is(err, ErrStaffUnreachable) {
		t.Fatalf("relay after eviction = %v, want ErrStaffUnreachable", err)
	}
	if ros.IsBusy("alice") {
		t.Fatal("evicted staff stuck in busy gate")
	}
}

func TestSpecialityRouting(t *testing.T) {
	disp, _, _ := setupTestDispatcher(t, nil)
	ctx := context.Background()

	var plainGot, grillGot [][]byte
	if err := disp.Handle(ctx, onduty("plain", nil, replyChannel([]byte("r"), &plainGot))); err != nil {
		t.Fatalf("onduty: %v", err)
	}
	if err := disp.Handle(ctx, onduty("griller", []string{"grill"}, replyChannel([]byte("r"), &grillGot))); err != nil {
		t.Fatalf("onduty: %v", err)
	}

	var (
		pulls    int
		receipts [][]byte
	)
	if err := disp.Handle(ctx, order("grill", requesterChannel([]byte("t"), &pulls, &receipts))); err != nil {
		t.Fatalf("order: %v", err)
	}
	if len(grillGot) != 1 || len(plainGot) != 0 {
		t.Fatalf("grill order routed wrong: griller=%d plain=%d", len(grillGot), len(plainGot))
	}

	// Unknown speciality falls back to any idle staff.
	if err := disp.Handle(ctx, order("sushi", requesterChannel([]byte("t"), &pulls, &receipts))); err != nil {
		t.Fatalf("fallback order: %v", err)
	}
	if len(grillGot)+len(plainGot) != 2 {
		t.Fatalf("fallback order lost: griller=%d plain=%d", len(grillGot), len(plainGot))
	}
}

// 100 unspecialized orders over 5 idle staff distribute 20/20/20/20/20.
func TestEvenDistribution(t *testing.T) {
	disp, _, _ := setupTestDispatcher(t, nil)
	ctx := context.Background()

	const staffCount, orderCount = 5, 100
	counts := make(map[string]int)
	for i := 0; i < staffCount; i++ {
		id := fmt.Sprintf("staff-%d", i)
		ch := &fakeChannel{
			push: func(ctx context.Context, payload []byte) error {
				counts[id]++
				return nil
			},
			pull: func(ctx context.Context) ([]byte, error) {
				return []byte("receipt"), nil
			},
		}
		if err := disp.Handle(ctx, onduty(id, nil, ch)); err != nil {
			t.Fatalf("onduty %s: %v", id, err)
		}
	}

	for i := 0; i < orderCount; i++ {
		var (
			pulls    int
			receipts [][]byte
		)
		if err := disp.Handle(ctx, order("", requesterChannel([]byte("t"), &pulls, &receipts))); err != nil {
			t.Fatalf("order #%d: %v", i, err)
		}
	}

	for id, n := range counts {
		if n != orderCount/staffCount {
			t.Fatalf("staff %q received %d orders, want %d (distribution: %v)",
				id, n, orderCount/staffCount, counts)
		}
	}
	if len(counts) != staffCount {
		t.Fatalf("only %d staff received orders, want %d", len(counts), staffCount)
	}
}

func TestHandleValidation(t *testing.T) {
	disp, _, _ := setupTestDispatcher(t, nil)
	ctx := context.Background()

	if err := disp.Handle(ctx, protocol.Event{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOnDuty}); err == nil {
		t.Fatal("expected error for onduty without staff id")
	}
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOnDuty, StaffID: "x"}); err == nil {
		t.Fatal("expected error for onduty without channel")
	}
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOffDuty}); err == nil {
		t.Fatal("expected error for offduty without staff id")
	}
	if err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindOrder}); err == nil {
		t.Fatal("expected error for order without channel")
	}

	err := disp.Handle(ctx, protocol.Event{Kind: protocol.KindStaffOffDuty, StaffID: "ghost"})
	if !errors.Is(err, roster.ErrUnknownStaff) {
		t.Fatalf("offduty for unknown staff = %v, want ErrUnknownStaff", err)
	}
}
