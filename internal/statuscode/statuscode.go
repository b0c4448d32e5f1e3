// Package statuscode is the single point of truth for translating
// record-store status strings into ledger status codes. Re-verify the table
// whenever a new domain status is introduced.
package statuscode

import (
	"strings"

	"civicsync/internal/domain"
)

// Map translates a complaint status to its ledger status code.
// The mapping is case-insensitive and total: empty or unknown values map to
// domain.StatusPending.
func Map(status string) domain.StatusCode {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "resolved":
		return domain.StatusResolved
	case "verified":
		return domain.StatusVerified
	default:
		return domain.StatusPending
	}
}
