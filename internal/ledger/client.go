// Package ledger talks to the external append-only ledger. The ledger orders
// each sending identity's transactions by a strictly increasing sequence
// number and rejects anything out of order, so every mutating call goes
// through the Serializer.
package ledger

import (
	"context"

	"civicsync/internal/domain"
)

// Receipt is the opaque proof-of-inclusion reference returned by a confirmed
// ledger operation.
type Receipt struct {
	TxID     string
	Sequence uint64
}

// Client is the transport-level ledger contract. Mutating calls take the
// explicit per-identity sequence number the Serializer assigned; they return
// a *RejectedError on refusal, ErrUnreachable on transport failure, or the
// context error on a bounded-wait expiry.
type Client interface {
	Create(ctx context.Context, seq uint64, complaintID int64, city, category string) (Receipt, error)
	UpdateStatus(ctx context.Context, seq uint64, complaintID int64, code domain.StatusCode) (Receipt, error)
	Read(ctx context.Context, complaintID int64) (domain.LedgerRecord, error)
	// NextSequence returns the sequence number the ledger expects next from
	// this client's sending identity.
	NextSequence(ctx context.Context) (uint64, error)
	Close() error
}
