// Package inflight provides the process-local de-duplication set that keeps
// concurrent duplicate ledger submissions from racing each other.
package inflight

import (
	"fmt"
	"sync"

	"civicsync/internal/domain"
)

// Registry is a set of operation keys with atomic check-and-insert. It is
// scoped to one process lifetime and gives no cross-process guarantee; the
// deployment runs a single active engine instance.
type Registry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// TryAcquire inserts key if absent and reports whether it was newly inserted.
// A false return means an equivalent operation is already underway; callers
// skip the work rather than queue it.
func (r *Registry) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = struct{}{}
	return true
}

// Release removes key unconditionally. Safe to call for keys never acquired.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
}

// Len reports the number of operations currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// MintKey identifies an in-flight mint for a complaint id.
func MintKey(id int64) string {
	return fmt.Sprintf("mint/%d", id)
}

// StatusKey identifies an in-flight status update. Two notifications that
// resolve to the same target code share a key and collapse; a new target code
// for the same id proceeds independently.
func StatusKey(id int64, code domain.StatusCode) string {
	return fmt.Sprintf("status/%d/%d", id, code)
}
