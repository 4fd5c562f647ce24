package registry

import (
	"fmt"
	"sort"
)

/*
Endpoint is the slice of a connection the registry needs: the advisory count
of in-flight requests used for least-loaded selection. The switch passes its
connection type; tests pass stubs.
*/
type Endpoint interface {
	Refcount() int
}

/*
WorkerMethod is one announcement: a connection declaring it serves a backend,
optionally scoped to a single filter value. The switch owns one WorkerMethod
per (connection, backend) pair and hands the same pointer to Add and Remove.
*/
type WorkerMethod struct {
	Method      string
	Conn        Endpoint
	Doc         string
	FilterKey   string
	FilterValue string
}

/*
bucket holds the announcements for one backend in exactly one of two forms:
a flat list when the backend is unfiltered, or per-value lists when it is.
The form is fixed by the first announcement and enforced until the backend
empties out.
*/
type bucket struct {
	flat     []*WorkerMethod
	filtered map[string][]*WorkerMethod
}

/*
Registry maps backend names to their announcements. It is not goroutine-safe:
the switch serialises every mutation under its own lock, which also makes the
Refcount reads during selection consistent.
*/
type Registry struct {
	backends map[string]*bucket
}

func New() *Registry {
	return &Registry{
		backends: make(map[string]*bucket),
	}
}

/*
Add inserts an announcement. A backend keeps the filter form of its first
announcement, so mixing filtered and unfiltered workers for the same backend
fails rather than corrupting the selection tables.
*/
func (registry *Registry) Add(wm *WorkerMethod) error {
	b, ok := registry.backends[wm.Method]

	if !ok {
		b = &bucket{}
		registry.backends[wm.Method] = b
	}

	if wm.FilterKey == "" {
		if b.filtered != nil {
			return fmt.Errorf("backend %s is filtered, announcement is not", wm.Method)
		}

		b.flat = append(b.flat, wm)
		return nil
	}

	if b.flat != nil {
		return fmt.Errorf("backend %s is unfiltered, announcement has filter", wm.Method)
	}

	if b.filtered == nil {
		b.filtered = make(map[string][]*WorkerMethod)
	}

	b.filtered[wm.FilterValue] = append(b.filtered[wm.FilterValue], wm)
	return nil
}

/*
Remove deletes an announcement by identity, dropping emptied filter buckets
and emptied backends so lookups never see stale keys.
*/
func (registry *Registry) Remove(wm *WorkerMethod) {
	b, ok := registry.backends[wm.Method]

	if !ok {
		return
	}

	if wm.FilterKey == "" {
		b.flat = remove(b.flat, wm)

		if len(b.flat) == 0 {
			delete(registry.backends, wm.Method)
		}

		return
	}

	list := remove(b.filtered[wm.FilterValue], wm)

	if len(list) == 0 {
		delete(b.filtered, wm.FilterValue)
	} else {
		b.filtered[wm.FilterValue] = list
	}

	if len(b.filtered) == 0 {
		delete(registry.backends, wm.Method)
	}
}

func remove(list []*WorkerMethod, wm *WorkerMethod) []*WorkerMethod {
	for i, entry := range list {
		if entry == wm {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}

// Pick selects a worker for an unfiltered backend, nil when none serves it.
func (registry *Registry) Pick(backend string) *WorkerMethod {
	b, ok := registry.backends[backend]

	if !ok {
		return nil
	}

	return pick(b.flat)
}

/*
PickFiltered selects a worker for a filtered backend from the bucket of the
given filter value, nil when no worker announced that value.
*/
func (registry *Registry) PickFiltered(backend, value string) *WorkerMethod {
	b, ok := registry.backends[backend]

	if !ok || b.filtered == nil {
		return nil
	}

	return pick(b.filtered[value])
}

/*
pick implements round-robin with least-loaded preference: the list rotates
left by one so the previous head goes last, then the entry with the smallest
refcount wins with ties broken by post-rotation order. A single entry skips
the rotation so a lone worker never churns the table.
*/
func pick(list []*WorkerMethod) *WorkerMethod {
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}

	head := list[0]
	copy(list, list[1:])
	list[len(list)-1] = head

	best := list[0]

	for _, wm := range list[1:] {
		if wm.Conn.Refcount() < best.Conn.Refcount() {
			best = wm
		}
	}

	return best
}

// Backends lists every backend with at least one announcement, sorted.
func (registry *Registry) Backends() []string {
	names := make([]string, 0, len(registry.backends))

	for name := range registry.backends {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

/*
Announcements returns every announcement for a backend. Filtered buckets are
flattened in sorted value order so introspection output is stable.
*/
func (registry *Registry) Announcements(backend string) []*WorkerMethod {
	b, ok := registry.backends[backend]

	if !ok {
		return nil
	}

	if b.filtered == nil {
		return append([]*WorkerMethod(nil), b.flat...)
	}

	values := make([]string, 0, len(b.filtered))

	for value := range b.filtered {
		values = append(values, value)
	}

	sort.Strings(values)

	var announcements []*WorkerMethod

	for _, value := range values {
		announcements = append(announcements, b.filtered[value]...)
	}

	return announcements
}
