// Package lane pins complaint ids to worker lanes. Events for the same
// complaint always land on the same lane, so a pool of workers preserves
// per-complaint arrival order.
package lane

import (
	"encoding/binary"
	"hash/fnv"
)

// For returns the lane for a complaint id. The assignment is deterministic
// for the life of the process.
func For(complaintID int64, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(complaintID))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(lanes))
}
