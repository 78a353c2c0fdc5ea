package ledger

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Locker hands out exclusive per-account locks. Each account gets its own weight-1
// semaphore for as long as someone holds or waits for it; the map guard is only
// held while looking slots up, never while waiting.
type Locker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[uuid.UUID]*slot)}
}

// Lock acquires every id in ascending byte order, so two callers locking overlapping
// sets can never wait on each other in a cycle. Duplicate ids are locked once.
// The returned func releases everything and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, ids ...uuid.UUID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ordered := lockOrder(ids)

	held := make([]*slot, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(1)
		}
		l.put(ordered[:len(held)])
	}

	for _, id := range ordered {
		s := l.get(id)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			l.put([]uuid.UUID{id})
			release()
			return nil, err
		}
		held = append(held, s)
	}
	return release, nil
}

func lockOrder(ids []uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return slices.Compact(out)
}

func (l *Locker) get(id uuid.UUID) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *Locker) put(ids []uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		s := l.slots[id]
		s.refs--
		if s.refs == 0 {
			delete(l.slots, id)
		}
	}
}

// size reports how many accounts currently have a slot.
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
