package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"civicsync/internal/domain"
)

func TestHandleInsertProjectsAndMintsUnknownRecord(t *testing.T) {
	store := newFakeStore()
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeInsert,
		Table:     "complaints",
		After:     &domain.Complaint{ID: 21, Status: "Pending", City: "Springfield", Category: "Roads"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if got := lg.creates(); len(got) != 1 || got[0] != 21 {
		t.Fatalf("expected one create for 21, got %v", got)
	}
	rec := store.get(21)
	if !rec.Mint.Minted() || rec.Mint.Receipt == "" {
		t.Fatalf("record not minted after insert: %+v", rec.Mint)
	}
	if rec.City != "Springfield" {
		t.Fatalf("projection not written: %+v", rec)
	}
}

func TestHandleInsertPrefersStoredRowOverEventImage(t *testing.T) {
	// The re-read wins; the event image may be stale by the time it arrives.
	store := newFakeStore(domain.Complaint{ID: 22, Status: "Pending", City: "Shelbyville", Category: "Water"})
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeInsert,
		Table:     "complaints",
		After:     &domain.Complaint{ID: 22, Status: "Pending", City: "Wrongville", Category: "Roads"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if got := store.get(22).City; got != "Shelbyville" {
		t.Fatalf("stored projection overwritten by event image: %q", got)
	}
	if got := lg.creates(); len(got) != 1 {
		t.Fatalf("expected one create, got %v", got)
	}
}

func TestHandleInsertRequiresAfterImage(t *testing.T) {
	e := newTestEngine(newFakeStore(), newFakeLedger())
	ev := domain.ChangeEvent{Operation: domain.ChangeInsert, Table: "complaints"}
	if err := e.HandleChange(context.Background(), ev); err == nil {
		t.Fatal("expected error for insert without after image")
	}
}

func TestHandleUpdateSyncsChangedStatus(t *testing.T) {
	store := newFakeStore(domain.Complaint{ID: 23, Status: "Pending", Mint: domain.MintOutcome{State: domain.MintStateMinted, Receipt: "tx-1"}})
	lg := newFakeLedger()
	lg.minted[23] = true
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeUpdate,
		Table:     "complaints",
		Before:    &domain.Complaint{ID: 23, Status: "Pending"},
		After:     &domain.Complaint{ID: 23, Status: "Resolved"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	ups := lg.updates()
	if len(ups) != 1 || ups[0].id != 23 || ups[0].code != domain.StatusResolved {
		t.Fatalf("expected resolved update for 23, got %v", ups)
	}
	if got := store.get(23).Status; got != "Resolved" {
		t.Fatalf("projection status not advanced: %q", got)
	}
}

func TestHandleUpdateProjectsUnknownRecordForBacklog(t *testing.T) {
	store := newFakeStore()
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeUpdate,
		Table:     "complaints",
		Before:    &domain.Complaint{ID: 99, Status: "Pending"},
		After:     &domain.Complaint{ID: 99, Status: "Resolved", City: "Springfield", Category: "Roads"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	// The status sync defers (unminted), but the row must enter the
	// projection where the backlog sweep can find it.
	if len(lg.updates()) != 0 {
		t.Fatal("unminted record must not reach the ledger yet")
	}
	rec := store.get(99)
	if rec.ID != 99 || rec.Status != "Resolved" {
		t.Fatalf("row not projected from update image: %+v", rec)
	}
	backlog, err := store.UnmintedAscending(context.Background())
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if len(backlog) != 1 || backlog[0].ID != 99 {
		t.Fatalf("expected record 99 in the backlog, got %v", backlog)
	}

	if err := e.ReconcileBacklog(context.Background()); err != nil {
		t.Fatalf("ReconcileBacklog: %v", err)
	}
	if got := lg.creates(); len(got) != 1 || got[0] != 99 {
		t.Fatalf("expected backlog sweep to mint 99, got %v", got)
	}
}

func TestHandleUpdateIgnoresUnchangedStatus(t *testing.T) {
	store := newFakeStore(domain.Complaint{ID: 24, Status: "Pending"})
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeUpdate,
		Table:     "complaints",
		Before:    &domain.Complaint{ID: 24, Status: "Pending"},
		After:     &domain.Complaint{ID: 24, Status: "Pending"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(lg.updates()) != 0 || len(lg.creates()) != 0 {
		t.Fatal("no ledger traffic expected for a non-status update")
	}
}

func TestHandleUpdateIgnoresEmptyStatus(t *testing.T) {
	store := newFakeStore(domain.Complaint{ID: 25, Status: "Pending"})
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	ev := domain.ChangeEvent{
		Operation: domain.ChangeUpdate,
		Table:     "complaints",
		After:     &domain.Complaint{ID: 25},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(lg.updates()) != 0 {
		t.Fatal("empty status must not reach the ledger")
	}
}

func TestHandleChangeIgnoresForeignTablesAndUnknownOps(t *testing.T) {
	store := newFakeStore()
	lg := newFakeLedger()
	e := newTestEngine(store, lg)

	foreign := domain.ChangeEvent{Operation: domain.ChangeInsert, Table: "users", After: &domain.Complaint{ID: 1, Status: "Pending"}}
	if err := e.HandleChange(context.Background(), foreign); err != nil {
		t.Fatalf("foreign table: %v", err)
	}
	unknown := domain.ChangeEvent{Operation: domain.ChangeOp("DELETE"), Table: "complaints", Before: &domain.Complaint{ID: 1}}
	if err := e.HandleChange(context.Background(), unknown); err != nil {
		t.Fatalf("unknown op: %v", err)
	}
	if len(lg.creates()) != 0 || len(lg.updates()) != 0 {
		t.Fatal("ignored events must not reach the ledger")
	}
}

func TestHandleInsertWaitsForSettleDelay(t *testing.T) {
	store := newFakeStore()
	lg := newFakeLedger()
	e := New(Options{SettleDelay: 60 * time.Millisecond}, store, lg, zerolog.Nop())

	start := time.Now()
	ev := domain.ChangeEvent{
		Operation: domain.ChangeInsert,
		Table:     "complaints",
		After:     &domain.Complaint{ID: 26, Status: "Pending"},
	}
	if err := e.HandleChange(context.Background(), ev); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("settle delay not honored, handled in %v", elapsed)
	}
	if got := lg.creates(); len(got) != 1 || got[0] != 26 {
		t.Fatalf("expected mint after settle, got %v", got)
	}
}
