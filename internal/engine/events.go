package engine

import (
	"context"
	"fmt"
	"time"

	"civicsync/internal/domain"
)

// HandleChange translates one change-feed notification into mint or status
// work. It implements feed.Handler. Unknown operations and foreign tables are
// ignored; the feed must tolerate whatever the upstream publishes.
func (e *Engine) HandleChange(ctx context.Context, ev domain.ChangeEvent) error {
	if ev.Table != "" && ev.Table != "complaints" {
		return nil
	}
	switch ev.Operation {
	case domain.ChangeInsert:
		return e.handleInsert(ctx, ev)
	case domain.ChangeUpdate:
		return e.handleUpdate(ctx, ev)
	default:
		e.log.Debug().Str("operation", string(ev.Operation)).Str("source_ref", ev.SourceRef).Msg("ignoring change operation")
		return nil
	}
}

func (e *Engine) handleInsert(ctx context.Context, ev domain.ChangeEvent) error {
	if ev.After == nil {
		return fmt.Errorf("insert event %s has no after image", ev.SourceRef)
	}
	// Let the originating write become visible before re-reading.
	if e.opts.SettleDelay > 0 {
		select {
		case <-time.After(e.opts.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rec, ok, err := e.store.Get(ctx, ev.After.ID)
	if err != nil {
		return fmt.Errorf("re-read record %d: %w", ev.After.ID, err)
	}
	if !ok {
		// Projection deployments only learn about rows through the feed.
		if err := e.store.UpsertProjection(ctx, *ev.After); err != nil {
			return fmt.Errorf("project record %d: %w", ev.After.ID, err)
		}
		rec = *ev.After
		rec.Mint = domain.MintOutcome{State: domain.MintStateUnminted}
	}
	return e.MintNow(ctx, rec)
}

func (e *Engine) handleUpdate(ctx context.Context, ev domain.ChangeEvent) error {
	if ev.After == nil {
		return fmt.Errorf("update event %s has no after image", ev.SourceRef)
	}
	var prev string
	if ev.Before != nil {
		prev = ev.Before.Status
	}
	if ev.After.Status == "" || ev.After.Status == prev {
		return nil
	}
	rec, ok, err := e.store.Get(ctx, ev.After.ID)
	if err != nil {
		return fmt.Errorf("read record %d: %w", ev.After.ID, err)
	}
	if !ok {
		// First sighting of this row (missed insert, or it predates the
		// projection). Record it so the backlog sweep can mint it even when
		// the status sync below is deferred.
		if err := e.store.UpsertProjection(ctx, *ev.After); err != nil {
			return fmt.Errorf("project record %d: %w", ev.After.ID, err)
		}
		rec = *ev.After
		rec.Mint = domain.MintOutcome{State: domain.MintStateUnminted}
	} else {
		// The projection may lag the event; the notification's status is the
		// transition being propagated.
		rec.Status = ev.After.Status
		if err := e.store.UpsertProjection(ctx, rec); err != nil {
			return fmt.Errorf("project record %d: %w", ev.After.ID, err)
		}
	}
	return e.SyncStatusNow(ctx, rec)
}
