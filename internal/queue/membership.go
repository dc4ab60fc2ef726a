package queue

import (
	"context"
	"sync"
)

// MembershipIndex хранит по каждому бизнесу, какие участники сейчас стоят
// в какой-либо его очереди. Reserve выполняет атомарную проверку и вставку: она
// возвращает false, если у участника уже есть активная запись в этом бизнесе.
// Повторный Reserve с тем же claim успешен.
type MembershipIndex interface {
	Reserve(ctx context.Context, businessID, memberID uint, claim string) (bool, error)
	// Release снимает резерв, только если он принадлежит claim.
	Release(ctx context.Context, businessID, memberID uint, claim string) error
}

// MemoryIndex: индекс членства в памяти процесса.
type MemoryIndex struct {
	mu     sync.Mutex
	claims map[uint]map[uint]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{claims: make(map[uint]map[uint]string)}
}

func (m *MemoryIndex) Reserve(ctx context.Context, businessID, memberID uint, claim string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.claims[businessID]
	if members == nil {
		members = make(map[uint]string)
		m.claims[businessID] = members
	}
	if held, ok := members[memberID]; ok {
		return held == claim, nil
	}
	members[memberID] = claim
	return true, nil
}

func (m *MemoryIndex) Release(_ context.Context, businessID, memberID uint, claim string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.claims[businessID]
	if members[memberID] != claim {
		return nil
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(m.claims, businessID)
	}
	return nil
}

// Holder возвращает текущий резерв участника в бизнесе.
func (m *MemoryIndex) Holder(businessID, memberID uint) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[businessID][memberID]
	return claim, ok
}
