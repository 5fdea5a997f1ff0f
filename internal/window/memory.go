package window

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// MemoryStore is an in-process window store. Each key owns its own mutex, so
// appends for unrelated cashiers never serialize against each other. The set
// of keys is bounded by an LRU list; idle keys are swept in the background.
type MemoryStore struct {
	mu         sync.Mutex // guards keys and order, never held while waiting on a key
	maxKeys    int
	maxEntries int
	idleTTL    time.Duration
	keys       map[string]*list.Element
	order      *list.List
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type keyWindow struct {
	key     string
	touched time.Time // guarded by MemoryStore.mu

	mu      sync.Mutex
	entries []domain.WindowEntry // sorted by At, ascending
	evicted bool
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	MaxKeys    int
	MaxEntries int
	IdleTTL    time.Duration
}

// NewMemoryStore creates a memory store and starts its idle sweeper when IdleTTL is set.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 100000
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}

	s := &MemoryStore{
		maxKeys:    opts.MaxKeys,
		maxEntries: opts.MaxEntries,
		idleTTL:    opts.IdleTTL,
		keys:       make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	if s.idleTTL > 0 {
		go s.sweepLoop()
	}
	return s
}

// Append records entry under key and returns the count within the window.
func (s *MemoryStore) Append(ctx context.Context, key string, entry domain.WindowEntry, window time.Duration) (domain.WindowCount, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.WindowCount{}, err
		}

		kw := s.acquire(key)

		kw.mu.Lock()
		if kw.evicted {
			// Lost a race with eviction; the key has been recreated or will be.
			kw.mu.Unlock()
			continue
		}
		// The caller may have given up while waiting for the key.
		if err := ctx.Err(); err != nil {
			kw.mu.Unlock()
			return domain.WindowCount{}, err
		}
		result := kw.append(entry, window, s.maxEntries)
		kw.mu.Unlock()

		return result, nil
	}
}

// acquire returns the window for key, creating it and evicting the least
// recently used key if the store is full.
func (s *MemoryStore) acquire(key string) *keyWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.keys[key]; ok {
		s.order.MoveToFront(elem)
		kw := elem.Value.(*keyWindow)
		kw.touched = now
		return kw
	}

	kw := &keyWindow{key: key, touched: now}
	s.keys[key] = s.order.PushFront(kw)

	for s.order.Len() > s.maxKeys {
		s.removeElement(s.order.Back())
	}
	return kw
}

func (w *keyWindow) append(entry domain.WindowEntry, window time.Duration, maxEntries int) domain.WindowCount {
	at := entry.At
	cutoff := at.Add(-window)
	retain := at.Add(-window * retainWindows)

	// Insert after any entries with the same timestamp, unless this exact
	// entry is already recorded (a duplicate delivery).
	pos := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].At.After(at)
	})
	duplicate := false
	for j := pos - 1; j >= 0 && w.entries[j].At.Equal(at); j-- {
		if entry.ID != "" && w.entries[j].ID == entry.ID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		w.entries = append(w.entries, domain.WindowEntry{})
		copy(w.entries[pos+1:], w.entries[pos:])
		w.entries[pos] = entry
	}

	// Prune before reading. Entries are kept one window beyond the cutoff so
	// an event arriving up to one window late still sees its neighbours.
	stale := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].At.Before(retain)
	})
	if stale > 0 {
		w.entries = append(w.entries[:0], w.entries[stale:]...)
	}

	// Capacity bound: drop oldest first, even if still inside the window.
	if over := len(w.entries) - maxEntries; over > 0 {
		w.entries = append(w.entries[:0], w.entries[over:]...)
	}

	first := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].At.Before(cutoff)
	})
	last := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].At.After(at)
	})
	count := last - first

	return domain.WindowCount{
		Count:     count,
		Start:     cutoff,
		End:       at,
		Duplicate: duplicate,
	}
}

// Sweep drops keys untouched for longer than the idle TTL.
func (s *MemoryStore) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.now().Add(-s.idleTTL)
	removed := 0
	for elem := s.order.Back(); elem != nil; {
		kw := elem.Value.(*keyWindow)
		if !kw.touched.Before(deadline) {
			break
		}
		prev := elem.Prev()
		s.removeElement(elem)
		removed++
		elem = prev
	}
	return removed
}

func (s *MemoryStore) sweepLoop() {
	interval := s.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of keys currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the sweeper and drops all windows.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for elem := s.order.Back(); elem != nil; elem = s.order.Back() {
		s.removeElement(elem)
	}
	return nil
}

// removeElement must be called with s.mu held.
func (s *MemoryStore) removeElement(elem *list.Element) {
	kw := elem.Value.(*keyWindow)

	kw.mu.Lock()
	kw.evicted = true
	kw.entries = nil
	kw.mu.Unlock()

	s.order.Remove(elem)
	delete(s.keys, kw.key)
}
