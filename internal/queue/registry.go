package queue

import (
	"sort"
	"sync"
)

// Registry владеет всеми живыми очередями. Блокировка реестра держится только
// на время поиска и вставки в карту, операции над разными очередями друг друга
// не ждут.
type Registry struct {
	mu      sync.RWMutex
	queues  map[OwnerKey]*Queue
	located map[string]OwnerKey
}

func NewRegistry() *Registry {
	return &Registry{
		queues:  make(map[OwnerKey]*Queue),
		located: make(map[string]OwnerKey),
	}
}

// Resolve возвращает очередь владельца, создавая пустую при первом обращении,
// и применяет к ней актуальные параметры.
func (r *Registry) Resolve(key OwnerKey, cfg Config) *Queue {
	r.mu.RLock()
	q, ok := r.queues[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if q, ok = r.queues[key]; !ok {
			q = newQueue(key, cfg)
			r.queues[key] = q
		}
		r.mu.Unlock()
	}
	// Настройку делаем вне блокировки реестра: порядок захвата всегда очередь -> реестр.
	q.Configure(cfg)
	return q
}

// Lookup возвращает очередь, не создавая её.
func (r *Registry) Lookup(key OwnerKey) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[key]
	return q, ok
}

// Locate находит очередь по идентификатору записи. Недавно удалённые записи
// тоже находятся, чтобы повторное завершение давало InvalidTransition.
func (r *Registry) Locate(entryID string) (*Queue, bool) {
	r.mu.RLock()
	if key, ok := r.located[entryID]; ok {
		q := r.queues[key]
		r.mu.RUnlock()
		return q, true
	}
	queues := r.snapshotLocked()
	r.mu.RUnlock()
	for _, q := range queues {
		q.mu.Lock()
		_, found := q.buried(entryID)
		q.mu.Unlock()
		if found {
			return q, true
		}
	}
	return nil, false
}

// Queues возвращает все очереди, упорядоченные по ключу.
func (r *Registry) Queues() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []*Queue {
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.BusinessID != b.BusinessID {
			return a.BusinessID < b.BusinessID
		}
		return a.ServiceID < b.ServiceID
	})
	return out
}

func (r *Registry) track(entryID string, key OwnerKey) {
	r.mu.Lock()
	r.located[entryID] = key
	r.mu.Unlock()
}

func (r *Registry) untrack(entryIDs ...string) {
	r.mu.Lock()
	for _, id := range entryIDs {
		delete(r.located, id)
	}
	r.mu.Unlock()
}
