package vm

import "sync"

// UnmapEvent announces that [Address, Address+Size) is about to be remapped
// or unmapped.
type UnmapEvent struct {
	Address uint64
	Size    uint64

	remaps []func()
}

// QueueRemap schedules fn to run once the entries have changed.
func (e *UnmapEvent) QueueRemap(fn func()) {
	e.remaps = append(e.remaps, fn)
}

// UnmapHandler receives unmap events. It runs before the page table changes.
type UnmapHandler func(e *UnmapEvent)

type subscriber struct {
	id      uint64
	handler UnmapHandler
}

type subscribers struct {
	mu     sync.Mutex
	lastID uint64
	list   []subscriber
}

func (s *subscribers) add(h UnmapHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	id := s.lastID
	s.list = append(s.list, subscriber{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

// notify delivers an event for [address, address+size) to every handler in
// subscription order and returns it with the queued remap actions.
func (s *subscribers) notify(address, size uint64) *UnmapEvent {
	s.mu.Lock()
	list := s.list
	s.mu.Unlock()

	e := &UnmapEvent{Address: address, Size: size}
	for _, sub := range list {
		sub.handler(e)
	}
	return e
}

func (e *UnmapEvent) runRemaps() int {
	for _, fn := range e.remaps {
		fn()
	}
	return len(e.remaps)
}
