package content

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryEntry struct {
	rec Record
	seq uint64
}

type orderEntry struct {
	key string
	seq uint64
}

// memoryStore keeps records in process. A ttl bounds how long a record is
// served; maxEntries bounds how many are kept, oldest evicted first.
type memoryStore struct {
	mu    sync.Mutex
	c     *gocache.Cache
	max   int
	seq   uint64
	order []orderEntry
}

// NewMemoryStore returns an in-process Store. ttl <= 0 keeps records until
// evicted by maxEntries; maxEntries <= 0 means no cap.
func NewMemoryStore(ttl time.Duration, maxEntries int) Store {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}
	return &memoryStore{c: gocache.New(exp, cleanup), max: maxEntries}
}

func key(id uint64) string { return strconv.FormatUint(id, 10) }

func (m *memoryStore) Add(_ context.Context, rec Record) (bool, error) {
	if rec.ID == 0 {
		return false, ErrInvalidRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(rec.ID)
	m.seq++
	if err := m.c.Add(k, memoryEntry{rec: clone(rec), seq: m.seq}, gocache.DefaultExpiration); err != nil {
		return false, nil
	}
	if m.max > 0 {
		m.order = append(m.order, orderEntry{key: k, seq: m.seq})
		m.evictLocked()
	}
	return true, nil
}

func (m *memoryStore) evictLocked() {
	// ItemCount includes expired items the janitor has not swept yet.
	m.c.DeleteExpired()
	for len(m.order) > 0 {
		oldest := m.order[0]
		live := m.live(oldest)
		if live && m.c.ItemCount() <= m.max {
			return
		}
		m.order = m.order[1:]
		if live {
			m.c.Delete(oldest.key)
		}
	}
}

func (m *memoryStore) live(e orderEntry) bool {
	v, ok := m.c.Get(e.key)
	return ok && v.(memoryEntry).seq == e.seq
}

func (m *memoryStore) Get(_ context.Context, id uint64) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(key(id))
	if !ok {
		return Record{}, false, nil
	}
	return clone(v.(memoryEntry).rec), true, nil
}

func (m *memoryStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.DeleteExpired()
	return m.c.ItemCount(), nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.c.Flush()
	m.order = nil
	m.mu.Unlock()
	return nil
}
