package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const tombstoneLimit = 128

// Queue хранит очередь одного владельца. Записи упорядочены по JoinedAt, и этот
// порядок и есть распределение позиций. Все поля защищены mu; изменять их
// может только Engine.
type Queue struct {
	mu sync.Mutex

	key      OwnerKey
	cfg      Config
	entries  []*Entry
	version  uint64
	lastJoin time.Time

	// Недавно удалённые записи: по ним повторный complete отличается от неизвестной записи.
	tombstones     map[string]Status
	tombstoneOrder []string
}

func newQueue(key OwnerKey, cfg Config) *Queue {
	return &Queue{
		key:        key,
		cfg:        cfg,
		tombstones: make(map[string]Status),
	}
}

// Key возвращает ключ владельца очереди.
func (q *Queue) Key() OwnerKey {
	return q.key
}

// Configure применяет параметры из справочника.
func (q *Queue) Configure(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Snapshot возвращает полное состояние очереди.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Len возвращает число записей, занимающих место в очереди.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) snapshotLocked() Snapshot {
	views := make([]EntryView, 0, len(q.entries))
	for _, e := range q.entries {
		views = append(views, e.View(q.cfg.ServiceMinutes))
	}
	return Snapshot{
		OwnerKey:       q.key.String(),
		Version:        q.version,
		Open:           q.cfg.Open,
		ServiceMinutes: q.cfg.ServiceMinutes,
		Capacity:       q.cfg.Capacity,
		Entries:        views,
	}
}

func (q *Queue) indexOf(entryID string) int {
	for i, e := range q.entries {
		if e.ID == entryID {
			return i
		}
	}
	return -1
}

func (q *Queue) indexOfMember(memberID uint) int {
	for i, e := range q.entries {
		if e.MemberID == memberID {
			return i
		}
	}
	return -1
}

func (q *Queue) full() bool {
	return q.cfg.Capacity > 0 && len(q.entries) >= q.cfg.Capacity
}

// shiftsAfter описывает, как сдвинутся записи позади удаляемой.
func (q *Queue) shiftsAfter(idx int) []PositionChange {
	if idx+1 >= len(q.entries) {
		return nil
	}
	shifted := make([]PositionChange, 0, len(q.entries)-idx-1)
	for _, e := range q.entries[idx+1:] {
		shifted = append(shifted, PositionChange{
			EntryID:  e.ID,
			MemberID: e.MemberID,
			From:     e.Position,
			To:       e.Position - 1,
		})
	}
	return shifted
}

// removeAt вырезает запись и уменьшает на 1 позицию каждого, кто стоял позади.
func (q *Queue) removeAt(idx int, final Status) *Entry {
	removed := q.entries[idx]
	copy(q.entries[idx:], q.entries[idx+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	for _, e := range q.entries[idx:] {
		e.Position--
	}
	removed.Status = final
	removed.Position = 0
	removed.Token = ""
	q.bury(removed.ID, final)
	return removed
}

func (q *Queue) bury(entryID string, final Status) {
	if _, ok := q.tombstones[entryID]; !ok {
		q.tombstoneOrder = append(q.tombstoneOrder, entryID)
	}
	q.tombstones[entryID] = final
	for len(q.tombstoneOrder) > tombstoneLimit {
		delete(q.tombstones, q.tombstoneOrder[0])
		q.tombstoneOrder = q.tombstoneOrder[1:]
	}
}

func (q *Queue) buried(entryID string) (Status, bool) {
	st, ok := q.tombstones[entryID]
	return st, ok
}

// check проверяет инварианты очереди: позиции 1..N в порядке JoinedAt,
// уникальные непустые токены, только активные статусы, соблюдение вместимости.
func (q *Queue) check() error {
	if q.cfg.Capacity > 0 && len(q.entries) > q.cfg.Capacity {
		return errors.Wrapf(ErrInternal, "%s: %d entries over capacity %d", q.key, len(q.entries), q.cfg.Capacity)
	}
	tokens := make(map[string]struct{}, len(q.entries))
	for i, e := range q.entries {
		if e.Position != i+1 {
			return errors.Wrapf(ErrInternal, "%s: entry %s has position %d, want %d", q.key, e.ID, e.Position, i+1)
		}
		if i > 0 && e.JoinedAt.Before(q.entries[i-1].JoinedAt) {
			return errors.Wrapf(ErrInternal, "%s: entry %s out of join order", q.key, e.ID)
		}
		if !e.Status.Active() {
			return errors.Wrapf(ErrInternal, "%s: entry %s kept with status %s", q.key, e.ID, e.Status)
		}
		if e.Token == "" {
			return errors.Wrapf(ErrInternal, "%s: entry %s has no token", q.key, e.ID)
		}
		if _, dup := tokens[e.Token]; dup {
			return errors.Wrapf(ErrInternal, "%s: duplicate membership token", q.key)
		}
		tokens[e.Token] = struct{}{}
	}
	return nil
}

// revalidate восстанавливает порядок по JoinedAt и заново проставляет позиции.
// Неактивные записи и записи с повторяющимся токеном выбрасываются.
func (q *Queue) revalidate() (shifted []PositionChange, dropped []*Entry) {
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].JoinedAt.Before(q.entries[j].JoinedAt)
	})
	kept := q.entries[:0]
	tokens := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		_, dup := tokens[e.Token]
		if !e.Status.Active() || e.Token == "" || dup {
			dropped = append(dropped, e)
			continue
		}
		tokens[e.Token] = struct{}{}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	for i, e := range q.entries {
		if e.Position != i+1 {
			shifted = append(shifted, PositionChange{EntryID: e.ID, MemberID: e.MemberID, From: e.Position, To: i + 1})
			e.Position = i + 1
		}
	}
	for _, e := range dropped {
		if e.Status.Active() {
			e.Status = StatusLeft
		}
		e.Position = 0
		q.bury(e.ID, e.Status)
	}
	if n := len(q.entries); n > 0 && q.entries[n-1].JoinedAt.After(q.lastJoin) {
		q.lastJoin = q.entries[n-1].JoinedAt
	}
	return shifted, dropped
}
