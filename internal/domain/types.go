package domain

import "time"

// StatusCode is the ledger-side status enum for a complaint record.
type StatusCode int

const (
	StatusPending StatusCode = iota
	StatusResolved
	StatusVerified
)

func (c StatusCode) String() string {
	switch c {
	case StatusResolved:
		return "resolved"
	case StatusVerified:
		return "verified"
	default:
		return "pending"
	}
}

// MintState tags the ledger-mint outcome for a complaint record.
type MintState string

const (
	MintStateUnminted MintState = "unminted"
	MintStateMinted   MintState = "minted"
	MintStateFailed   MintState = "failed"
	// MintStateNeedsReconcile marks the worst locally-recoverable case: the
	// ledger confirmed the mint but the receipt write-back failed, so a naive
	// retry would be rejected as a duplicate. Requires manual reconciliation.
	MintStateNeedsReconcile MintState = "needs_reconcile"
)

// MintOutcome is the tagged mint result stored alongside a complaint.
// Receipt is set only when State is MintStateMinted; FailureReason only when
// State is MintStateFailed. Error text never shares a field with a receipt.
type MintOutcome struct {
	State         MintState
	Receipt       string
	FailureReason string
}

// Minted reports whether the ledger has confirmed the one-time mint,
// regardless of whether the receipt write-back went through.
func (m MintOutcome) Minted() bool {
	return m.State == MintStateMinted || m.State == MintStateNeedsReconcile
}

// Complaint is the engine's projection of a record-store complaint row.
type Complaint struct {
	ID           int64
	Status       string
	City         string
	Category     string
	Mint         MintOutcome
	CreatedAtUTC time.Time
	UpdatedAtUTC time.Time
}

// LedgerRecord is the ledger-side view of a minted complaint.
type LedgerRecord struct {
	ComplaintID  int64
	City         string
	Category     string
	RecordedBy   string
	TimestampUTC time.Time
	StatusCode   StatusCode
}

// ChangeOp is the operation field of a change-feed notification.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
)

// ChangeEvent is one normalized change-feed notification. Before is nil for
// inserts; After carries the row image the feed observed.
type ChangeEvent struct {
	Operation     ChangeOp
	Table         string
	Before        *Complaint
	After         *Complaint
	Source        string
	SourceRef     string
	ReceivedAtUTC time.Time
}
