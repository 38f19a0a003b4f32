package series

import "graphhost/internal/wire"

// Registry records every series name ever published, in first-seen order.
//
// Registry is not synchronized. The host calls it under the same lock that
// guards connection fan-out so a publish records and delivers atomically.
type Registry struct {
	names []string
	index map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]struct{})}
}

// Canonicalize maps a producer name to the key the registry stores. Names
// that collide on the wire are the same series.
func Canonicalize(name string) string {
	return wire.WireName(name)
}

// RecordIfNew adds name and reports whether it was not known before.
func (r *Registry) RecordIfNew(name string) bool {
	k := Canonicalize(name)
	if _, ok := r.index[k]; ok {
		return false
	}
	r.index[k] = struct{}{}
	r.names = append(r.names, k)
	return true
}

func (r *Registry) Contains(name string) bool {
	_, ok := r.index[Canonicalize(name)]
	return ok
}

// Snapshot returns a copy of the names in registry order.
func (r *Registry) Snapshot() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) Len() int { return len(r.names) }
