package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"civicsync/internal/domain"
)

// Serializer is the single chokepoint for ledger-mutating calls. One goroutine
// owns the submission queue: it assigns the next per-identity sequence number,
// invokes the client, and waits for a terminal outcome before admitting the
// next submission. Nothing is retried here; retry policy belongs to callers.
type Serializer struct {
	client        Client
	log           zerolog.Logger
	submitTimeout time.Duration

	ops  chan submission
	stop chan struct{}
	done chan struct{}
}

type submission struct {
	ctx   context.Context
	do    func(ctx context.Context, seq uint64) (Receipt, error)
	reply chan outcome
}

type outcome struct {
	receipt Receipt
	err     error
}

func NewSerializer(client Client, log zerolog.Logger, submitTimeout time.Duration) *Serializer {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	s := &Serializer{
		client:        client,
		log:           log.With().Str("component", "serializer").Logger(),
		submitTimeout: submitTimeout,
		ops:           make(chan submission),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// Create submits the one-time mint transaction for a complaint.
func (s *Serializer) Create(ctx context.Context, complaintID int64, city, category string) (Receipt, error) {
	return s.submit(ctx, func(ctx context.Context, seq uint64) (Receipt, error) {
		return s.client.Create(ctx, seq, complaintID, city, category)
	})
}

// UpdateStatus submits a status-transition transaction for a minted complaint.
func (s *Serializer) UpdateStatus(ctx context.Context, complaintID int64, code domain.StatusCode) (Receipt, error) {
	return s.submit(ctx, func(ctx context.Context, seq uint64) (Receipt, error) {
		return s.client.UpdateStatus(ctx, seq, complaintID, code)
	})
}

// Read passes through to the client. Reads do not mutate ledger state and are
// not sequence-ordered, so they bypass the submission queue.
func (s *Serializer) Read(ctx context.Context, complaintID int64) (domain.LedgerRecord, error) {
	return s.client.Read(ctx, complaintID)
}

// Close stops admitting submissions and waits for the in-progress one to reach
// a terminal outcome. Queued-but-unstarted submissions fail with ErrClosed.
func (s *Serializer) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Serializer) submit(ctx context.Context, do func(context.Context, uint64) (Receipt, error)) (Receipt, error) {
	sub := submission{ctx: ctx, do: do, reply: make(chan outcome, 1)}
	select {
	case s.ops <- sub:
	case <-s.stop:
		return Receipt{}, ErrClosed
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
	select {
	case out := <-sub.reply:
		return out.receipt, out.err
	case <-ctx.Done():
		// The operation is already in the single-writer loop and is not
		// revocable once submitted; the caller just stops waiting.
		return Receipt{}, ctx.Err()
	}
}

func (s *Serializer) run() {
	defer close(s.done)
	var (
		seq      uint64
		seqKnown bool
	)
	for {
		select {
		case <-s.stop:
			return
		case sub := <-s.ops:
			ctx, cancel := context.WithTimeout(sub.ctx, s.submitTimeout)
			if !seqKnown {
				next, err := s.client.NextSequence(ctx)
				if err != nil {
					cancel()
					sub.reply <- outcome{err: classify(err)}
					continue
				}
				seq = next
				seqKnown = true
			}
			receipt, err := sub.do(ctx, seq)
			cancel()
			if err != nil {
				// Whether a refused transaction consumed the sequence is
				// ledger-specific; resync on the next submission instead of
				// guessing.
				seqKnown = false
				err = classify(err)
				s.log.Warn().Uint64("seq", seq).Err(err).Msg("submission failed")
				sub.reply <- outcome{err: err}
				continue
			}
			seq++
			sub.reply <- outcome{receipt: receipt}
		}
	}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
