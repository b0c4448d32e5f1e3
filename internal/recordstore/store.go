// Package recordstore defines the engine's contract with the complaint
// record store. The engine reads complaint projections, fetches the unminted
// backlog, and writes mint outcomes back; it never deletes records.
package recordstore

import (
	"context"

	"civicsync/internal/domain"
)

// Store is the record-store contract for local durable persistence.
type Store interface {
	// Get fetches the current projection of one complaint.
	Get(ctx context.Context, id int64) (domain.Complaint, bool, error)
	// UnmintedAscending returns every record without a confirmed mint,
	// ordered by ascending id, for backlog reconciliation.
	UnmintedAscending(ctx context.Context) ([]domain.Complaint, error)
	// UpsertProjection refreshes the local projection from a change-feed row
	// image. Mint outcome columns are never touched by an upsert.
	UpsertProjection(ctx context.Context, rec domain.Complaint) error
	// SetMinted persists the receipt for a confirmed mint. The receipt column
	// is write-once; a second write for the same id must fail.
	SetMinted(ctx context.Context, id int64, receipt string) error
	// SetMintFailed records a structured failure marker, distinct from any
	// receipt value.
	SetMintFailed(ctx context.Context, id int64, reason string) error
	// SetNeedsReconcile flags a record whose mint was confirmed by the ledger
	// but whose receipt write-back failed.
	SetNeedsReconcile(ctx context.Context, id int64, reason string) error
	Close() error
}
