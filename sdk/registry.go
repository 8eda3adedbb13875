package callstream

import (
	"sync"
	"unsafe"

	"github.com/vango-go/callstream/pkg/events"
)

// Handler receives events of the kind it was registered for.
type Handler func(events.Event)

type subscription struct {
	id      uint64
	handler Handler
	fn      uintptr
}

// registry keeps handlers per kind in registration order. Duplicate
// registrations are kept; Off removes every registration of the same func
// value.
type registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[events.Kind][]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[events.Kind][]*subscription)}
}

func (r *registry) add(kind events.Kind, h Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[kind] = append(r.subs[kind], &subscription{
		id:      r.nextID,
		handler: h,
		fn:      funcIdentity(h),
	})
	return r.nextID
}

func (r *registry) removeFunc(kind events.Kind, h Handler) int {
	target := funcIdentity(h)
	if target == 0 {
		return 0
	}
	return r.filter(kind, func(s *subscription) bool { return s.fn == target })
}

func (r *registry) removeID(kind events.Kind, id uint64) {
	r.filter(kind, func(s *subscription) bool { return s.id == id })
}

func (r *registry) filter(kind events.Kind, drop func(*subscription) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[kind]
	kept := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if !drop(s) {
			kept = append(kept, s)
		}
	}
	r.subs[kind] = kept
	return len(subs) - len(kept)
}

func (r *registry) snapshot(kind events.Kind) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*subscription(nil), r.subs[kind]...)
}

func (r *registry) count(kind events.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

// funcIdentity returns the address of the func value's closure record. Two
// values are equal when one was copied from the other, so every evaluation
// of a method value or capturing literal is distinct. Top-level functions
// and non-capturing literals are static and always compare equal.
func funcIdentity(h Handler) uintptr {
	if h == nil {
		return 0
	}
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&h)))
}
