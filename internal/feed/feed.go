// Package feed normalizes change-feed notifications into engine jobs. The
// wire format is a CDC-style JSON envelope with operation, table, and
// before/after row images; unknown and extra fields are tolerated.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"civicsync/internal/domain"
)

// TableComplaints is the only table the engine mirrors.
const TableComplaints = "complaints"

// Handler consumes normalized change events. Implemented by the engine.
type Handler interface {
	HandleChange(ctx context.Context, ev domain.ChangeEvent) error
}

type envelopeRow struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	City     string `json:"city"`
	Category string `json:"category"`
}

type envelope struct {
	Operation string       `json:"operation"`
	Table     string       `json:"table"`
	Before    *envelopeRow `json:"before"`
	After     *envelopeRow `json:"after"`
}

// ParseEnvelope decodes one change notification. Inserts and updates require
// an after image with a positive id; other operations pass through untouched
// for the handler to ignore.
func ParseEnvelope(body []byte) (domain.ChangeEvent, error) {
	var in envelope
	if err := json.Unmarshal(body, &in); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("parse change envelope: %w", err)
	}
	op := domain.ChangeOp(strings.ToUpper(strings.TrimSpace(in.Operation)))
	ev := domain.ChangeEvent{
		Operation:     op,
		Table:         in.Table,
		Before:        rowToComplaint(in.Before),
		After:         rowToComplaint(in.After),
		ReceivedAtUTC: time.Now().UTC(),
	}
	if op == domain.ChangeInsert || op == domain.ChangeUpdate {
		if ev.After == nil {
			return domain.ChangeEvent{}, fmt.Errorf("%s event missing after image", op)
		}
		if ev.After.ID <= 0 {
			return domain.ChangeEvent{}, fmt.Errorf("%s event has invalid id %d", op, ev.After.ID)
		}
	}
	return ev, nil
}

func rowToComplaint(row *envelopeRow) *domain.Complaint {
	if row == nil {
		return nil
	}
	return &domain.Complaint{
		ID:       row.ID,
		Status:   row.Status,
		City:     row.City,
		Category: row.Category,
	}
}
