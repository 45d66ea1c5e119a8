package eventloop

// registry tracks every handle bound to a loop, in creation order, so that
// teardown can find and force-close whatever the host left behind.
//
// It is only touched from the loop goroutine.
type registry struct {
	// data maps handle IDs to live handles.
	data map[uint64]*handle

	// ring holds IDs in creation order. Removed handles leave a 0 (null
	// marker) behind until the next compaction.
	ring []uint64

	// nextID is the counter for generating unique handle IDs.
	nextID uint64
}

// newRegistry creates a new initialized registry.
func newRegistry() *registry {
	return &registry{
		data:   make(map[uint64]*handle),
		ring:   make([]uint64, 0, 16),
		nextID: 1, // Start at 1 so 0 is null marker
	}
}

// add registers h and assigns its ID.
func (r *registry) add(h *handle) {
	id := r.nextID
	r.nextID++
	h.id = id
	r.data[id] = h
	r.ring = append(r.ring, id)
}

// remove drops h from the registry. Removing an unknown handle is a no-op.
func (r *registry) remove(h *handle) {
	if _, ok := r.data[h.id]; !ok {
		return
	}
	delete(r.data, h.id)
	for i, id := range r.ring {
		if id == h.id {
			r.ring[i] = 0
			break
		}
	}
	// Trigger compaction when load factor < 25%
	if len(r.ring) > 16 && len(r.data) < len(r.ring)/4 {
		r.compact()
	}
}

// Len returns the number of live handles.
func (r *registry) Len() int {
	return len(r.data)
}

// walk calls fn for each handle in creation order. Handles added during the
// walk are not visited, and fn must not remove handles.
func (r *registry) walk(fn func(*handle)) {
	n := len(r.ring)
	for i := 0; i < n && i < len(r.ring); i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		if h, ok := r.data[id]; ok {
			fn(h)
		}
	}
}

// compact removes null markers from the ring.
func (r *registry) compact() {
	ring := make([]uint64, 0, max(len(r.data), 16))
	for _, id := range r.ring {
		if id != 0 {
			ring = append(ring, id)
		}
	}
	r.ring = ring
}
