package mrf

import (
	"fmt"
	"slices"
)

// Resolver tracks the provider_references table of a single file and
// answers lookups from rate records. Rate records may cite an id before
// its entry streams past, so callers that miss park themselves with Defer
// and are released in arrival order as registrations come in.
//
// The resolver is scoped to one file and is not safe for concurrent use;
// the pipeline owns it from a single mapping goroutine.
type Resolver struct {
	groups  map[int64][]ProviderGroup
	pending []*deferred
}

type deferred struct {
	waiting map[int64]struct{}
	release func()
	fail    func(missing []int64)
}

// NewResolver returns an empty per-file resolver.
func NewResolver() *Resolver {
	return &Resolver{groups: make(map[int64][]ProviderGroup)}
}

// Register stores a provider reference entry. Re-registering an id
// replaces the previous groups; payers are not supposed to duplicate ids
// but some do, last wins. Any parked holders waiting only on ids now
// registered are released, oldest first.
func (r *Resolver) Register(id int64, groups []ProviderGroup) {
	r.groups[id] = groups
	r.releaseReady(id)
}

// Resolve returns the groups registered for id.
func (r *Resolver) Resolve(id int64) ([]ProviderGroup, bool) {
	g, ok := r.groups[id]
	return g, ok
}

// Missing returns the subset of ids with no registration yet.
func (r *Resolver) Missing(ids []int64) []int64 {
	var missing []int64
	for _, id := range ids {
		if _, ok := r.groups[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Defer parks a holder until every id in missing has been registered, at
// which point release runs synchronously inside the satisfying Register
// call. If the file ends first, Finalize invokes fail with the ids still
// outstanding.
func (r *Resolver) Defer(missing []int64, release func(), fail func(missing []int64)) {
	waiting := make(map[int64]struct{}, len(missing))
	for _, id := range missing {
		waiting[id] = struct{}{}
	}
	r.pending = append(r.pending, &deferred{waiting: waiting, release: release, fail: fail})
}

func (r *Resolver) releaseReady(id int64) {
	kept := r.pending[:0]
	for _, d := range r.pending {
		delete(d.waiting, id)
		if len(d.waiting) == 0 {
			d.release()
			continue
		}
		kept = append(kept, d)
	}
	r.pending = kept
}

// PendingCount reports how many holders are still parked.
func (r *Resolver) PendingCount() int { return len(r.pending) }

// Finalize drains holders whose ids were never registered, invoking each
// holder's fail callback with the ids it is still missing. Called once the
// provider_references stream is exhausted, in arrival order.
func (r *Resolver) Finalize() {
	for _, d := range r.pending {
		ids := make([]int64, 0, len(d.waiting))
		for id := range d.waiting {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		d.fail(ids)
	}
	r.pending = nil
}

// Size reports how many reference ids are registered, bounded by the
// file's reference table, not its rate volume.
func (r *Resolver) Size() int { return len(r.groups) }

// ResolutionError reports a citation of a provider-reference id that was
// never registered in the file.
type ResolutionError struct {
	IDs []int64
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unresolved provider reference ids %v", e.IDs)
}
