package modrun

import (
	"reflect"
	"sort"
	"sync"
)

// StaticResolver is an in-memory TargetResolver backed by a record
// map. It serves as the default inventory for small deployments and
// as a test double; production setups typically register a resolver
// that queries their inventory database instead.
type StaticResolver struct {
	mu      sync.RWMutex
	records map[string]map[string]any
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{records: make(map[string]map[string]any)}
}

// Add inserts or replaces a target record. The stored record always
// carries its own ID under "id".
func (r *StaticResolver) Add(id string, attrs map[string]any) {
	record := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		record[k] = v
	}
	record["id"] = id
	r.mu.Lock()
	r.records[id] = record
	r.mu.Unlock()
}

// Remove deletes a target record.
func (r *StaticResolver) Remove(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// ResolveAll returns every target ID, sorted.
func (r *StaticResolver) ResolveAll() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ResolveByIDs returns the subset of ids with records, preserving
// input order.
func (r *StaticResolver) ResolveByIDs(ids []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.records[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// ResolveByFilters returns IDs whose records match every filter
// key/value pair, sorted.
func (r *StaticResolver) ResolveByFilters(filters map[string]any) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, record := range r.records {
		if matchesFilters(record, filters) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TargetInfo returns a copy of the target's record, nil when unknown.
func (r *StaticResolver) TargetInfo(id string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out, nil
}

func matchesFilters(record, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := record[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
