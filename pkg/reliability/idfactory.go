package reliability

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// IDFactory allocates 16-bit message IDs and guarantees no reuse within
// its reservation lifetime (spec.md §4.A). Unlike the teacher's
// IdKeeper, which tracks an ever-growing per-source sequence number,
// this factory tracks only which IDs are currently reserved and relies
// on a deallocation timer per reservation, closer in spirit to
// IdKeeper's own periodic clean() pass, but event-driven per entry
// rather than swept in bulk.
type IDFactory struct {
	mu       sync.Mutex
	reserved map[uint16]*time.Timer
	next     uint16
	lifetime time.Duration
}

// NewIDFactory creates an IDFactory whose reservations expire after
// ExchangeLifetime, with its starting counter chosen uniformly at random
// so restarts don't predictably collide with a peer's duplicate cache.
func NewIDFactory() *IDFactory {
	return NewIDFactoryWithLifetime(ExchangeLifetime)
}

// NewIDFactoryWithLifetime is NewIDFactory with an explicit reservation
// lifetime, mainly for tests that don't want to wait 247 seconds.
func NewIDFactoryWithLifetime(lifetime time.Duration) *IDFactory {
	return &IDFactory{
		reserved: make(map[uint16]*time.Timer),
		next:     randomStart(),
		lifetime: lifetime,
	}
}

func randomStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// Allocate reserves and returns the next free message ID, advancing the
// internal counter modulo 2^16 and skipping still-reserved IDs. It fails
// with a *Error of KindNoFreeMessageIDs only if all 65536 IDs are
// simultaneously reserved.
func (f *IDFactory) Allocate() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.next
	for {
		candidate := f.next
		f.next++

		if _, taken := f.reserved[candidate]; !taken {
			f.reserved[candidate] = time.AfterFunc(f.lifetime, func() { f.release(candidate) })
			return candidate, nil
		}

		if f.next == start {
			return 0, New(KindNoFreeMessageIDs, "all 65536 message IDs are currently reserved")
		}
	}
}

// release frees a reserved message ID. Called by its deallocation timer;
// callers that know the ID's exchange already closed use Release instead.
func (f *IDFactory) release(id uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, id)
}

// Release frees a reserved ID ahead of its deallocation timer, stopping
// that timer so it doesn't fire redundantly afterwards.
func (f *IDFactory) Release(id uint16) {
	f.mu.Lock()
	timer, ok := f.reserved[id]
	if ok {
		delete(f.reserved, id)
	}
	f.mu.Unlock()

	if ok {
		timer.Stop()
	}
}

// Reserved reports whether id is currently reserved.
func (f *IDFactory) Reserved(id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reserved[id]
	return ok
}

// Close stops every outstanding deallocation timer, for clean shutdown.
func (f *IDFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, timer := range f.reserved {
		timer.Stop()
		delete(f.reserved, id)
	}
}
