// Package engine coordinates the complaint-to-ledger synchronization: it
// decides what needs minting or status propagation, funnels every mutating
// call through the ledger serializer, and writes outcomes back to the record
// store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"civicsync/internal/domain"
	"civicsync/internal/inflight"
	"civicsync/internal/ledger"
	"civicsync/internal/recordstore"
	"civicsync/internal/statuscode"
)

// Payload fallbacks for records missing descriptive fields.
const (
	fallbackCity     = "Unknown City"
	fallbackCategory = "General"
)

// ErrDraining is returned for work arriving after shutdown began.
var ErrDraining = errors.New("engine is draining")

// Submitter is the serialized ledger surface the engine depends on.
type Submitter interface {
	Create(ctx context.Context, complaintID int64, city, category string) (ledger.Receipt, error)
	UpdateStatus(ctx context.Context, complaintID int64, code domain.StatusCode) (ledger.Receipt, error)
	Read(ctx context.Context, complaintID int64) (domain.LedgerRecord, error)
}

// Options tunes engine pacing.
type Options struct {
	// SettleDelay bounds the race where an insert notification arrives before
	// the originating write is visible to a re-read.
	SettleDelay time.Duration
	// BacklogDelay is an optional pause between backlog mints to smooth load.
	// Ordering correctness never depends on it.
	BacklogDelay time.Duration
}

type Engine struct {
	log      zerolog.Logger
	store    recordstore.Store
	ledger   Submitter
	inflight *inflight.Registry
	opts     Options

	mu       sync.Mutex
	wg       sync.WaitGroup
	draining bool
}

// begin admits one unit of work into the drain accounting. The draining check
// and the WaitGroup add happen under one lock so Drain can never miss a caller
// that already passed the check.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.wg.Add(1)
	return true
}

func New(opts Options, store recordstore.Store, sub Submitter, log zerolog.Logger) *Engine {
	return &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		store:    store,
		ledger:   sub,
		inflight: inflight.NewRegistry(),
		opts:     opts,
	}
}

// MintNow mints rec onto the ledger exactly once. Already-minted records and
// records with a mint already in flight are no-ops.
func (e *Engine) MintNow(ctx context.Context, rec domain.Complaint) error {
	if !e.begin() {
		return ErrDraining
	}
	defer e.wg.Done()
	if rec.Mint.Minted() {
		return nil
	}
	key := inflight.MintKey(rec.ID)
	if !e.inflight.TryAcquire(key) {
		e.log.Debug().Int64("id", rec.ID).Msg("mint already in flight, dropping duplicate")
		return nil
	}
	defer e.inflight.Release(key)

	city := rec.City
	if strings.TrimSpace(city) == "" {
		city = fallbackCity
	}
	category := rec.Category
	if strings.TrimSpace(category) == "" {
		category = fallbackCategory
	}

	receipt, err := e.ledger.Create(ctx, rec.ID, city, category)
	if err != nil {
		e.log.Warn().Int64("id", rec.ID).Str("class", failureClass(err)).Err(err).Msg("mint submission failed")
		if merr := e.store.SetMintFailed(ctx, rec.ID, err.Error()); merr != nil {
			e.log.Error().Int64("id", rec.ID).Err(merr).Msg("failed to record mint failure marker")
		}
		return err
	}

	if err := e.store.SetMinted(ctx, rec.ID, receipt.TxID); err != nil {
		// The ledger confirmed the mint; retrying would be rejected as a
		// duplicate. Flag for manual reconciliation instead of swallowing.
		e.log.Error().Int64("id", rec.ID).Str("class", "writeback").Str("tx_id", receipt.TxID).Err(err).
			Msg("mint confirmed but receipt write-back failed; manual reconciliation required")
		if merr := e.store.SetNeedsReconcile(ctx, rec.ID, fmt.Sprintf("receipt %s not persisted: %v", receipt.TxID, err)); merr != nil {
			e.log.Error().Int64("id", rec.ID).Err(merr).Msg("failed to flag record for reconciliation")
		}
		return fmt.Errorf("receipt write-back for %d: %w", rec.ID, err)
	}

	e.log.Info().Int64("id", rec.ID).Str("tx_id", receipt.TxID).Uint64("seq", receipt.Sequence).Msg("minted")
	return nil
}

// SyncStatusNow propagates rec's current status to the ledger. Notifications
// resolving to a target code already in flight for the same id collapse into
// the ongoing submission. Status updates for unminted records are dropped and
// picked up after the mint by a later notification or sweep.
func (e *Engine) SyncStatusNow(ctx context.Context, rec domain.Complaint) error {
	if !e.begin() {
		return ErrDraining
	}
	defer e.wg.Done()
	code := statuscode.Map(rec.Status)
	if !rec.Mint.Minted() {
		e.log.Debug().Int64("id", rec.ID).Stringer("target", code).Msg("status sync deferred: record not minted")
		return nil
	}
	key := inflight.StatusKey(rec.ID, code)
	if !e.inflight.TryAcquire(key) {
		e.log.Debug().Int64("id", rec.ID).Stringer("target", code).Msg("status update already in flight, dropping duplicate")
		return nil
	}
	defer e.inflight.Release(key)

	receipt, err := e.ledger.UpdateStatus(ctx, rec.ID, code)
	if err != nil {
		e.log.Warn().Int64("id", rec.ID).Stringer("target", code).Str("class", failureClass(err)).Err(err).
			Msg("status submission failed")
		return err
	}
	e.log.Info().Int64("id", rec.ID).Stringer("target", code).Str("tx_id", receipt.TxID).Msg("status synced")
	return nil
}

// GetLedgerRecord reads the ledger-side view of a complaint, for the external
// control surface.
func (e *Engine) GetLedgerRecord(ctx context.Context, id int64) (domain.LedgerRecord, error) {
	return e.ledger.Read(ctx, id)
}

// ReconcileBacklog mints every not-yet-minted record in ascending id order,
// one at a time, waiting for each terminal outcome. Per-record failures are
// logged and skipped so one bad record cannot stall catch-up. Runs to
// completion before any live feed is started.
func (e *Engine) ReconcileBacklog(ctx context.Context) error {
	recs, err := e.store.UnmintedAscending(ctx)
	if err != nil {
		return fmt.Errorf("fetch backlog: %w", err)
	}
	e.log.Info().Int("records", len(recs)).Msg("backlog reconciliation started")
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.MintNow(ctx, rec); err != nil {
			e.log.Warn().Int64("id", rec.ID).Err(err).Msg("backlog mint failed, continuing")
		}
		if e.opts.BacklogDelay > 0 {
			select {
			case <-time.After(e.opts.BacklogDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	e.log.Info().Msg("backlog reconciliation finished")
	return nil
}

// Drain stops admitting new work and waits up to timeout for in-flight
// submissions to reach a terminal outcome.
func (e *Engine) Drain(timeout time.Duration) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("drain timed out after %s with %d operations in flight", timeout, e.inflight.Len())
	}
}

func failureClass(err error) string {
	switch {
	case ledger.IsRejected(err):
		return "rejected"
	case errors.Is(err, ledger.ErrTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
