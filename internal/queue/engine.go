package queue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Tokens выпускает и проверяет токены членства.
type Tokens interface {
	Issue(memberID uint) (string, error)
	Validate(stored, candidate string) bool
}

// Engine единственный изменяет записи очередей. Каждая операция над
// очередью выполняется под её собственной блокировкой и внутри неё делает
// только работу в памяти: запись на диск передаётся Recorder без ожидания,
// рассылка событий выполняется вызывающей стороной после операции.
type Engine struct {
	registry *Registry
	index    MembershipIndex
	tokens   Tokens
	recorder Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(registry *Registry, index MembershipIndex, tokens Tokens, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		index:    index,
		tokens:   tokens,
		recorder: nopRecorder{},
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry возвращает реестр очередей движка.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CallResult: результат вызова следующего. Entry == nil, если очередь пуста.
// Fresh == false означает, что ожидающих нет и возвращена уже вызванная запись.
type CallResult struct {
	Entry *Entry
	// View построен под блокировкой с текущей оценкой ожидания.
	View  EntryView
	Fresh bool
}

// Membership: активная запись участника вместе с ключом её очереди.
type Membership struct {
	Key   OwnerKey
	Entry EntryView
}

// Join ставит участника в конец очереди.
func (e *Engine) Join(ctx context.Context, q *Queue, m Member) (Entry, Delta, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Delta{}, err
	}
	token, err := e.tokens.Issue(m.ID)
	if err != nil {
		return Entry{}, Delta{}, errors.Wrap(err, "issue membership token")
	}
	id := e.newID()

	ok, err := e.index.Reserve(ctx, q.key.BusinessID, m.ID, id)
	if err != nil {
		return Entry{}, Delta{}, err
	}
	if !ok {
		return Entry{}, Delta{}, ErrAlreadyQueued
	}

	q.mu.Lock()
	entry, d, stale, err := e.joinLocked(ctx, q, m, id, token)
	q.mu.Unlock()

	if err != nil {
		e.release(ctx, q.key.BusinessID, m.ID, id)
		return Entry{}, Delta{}, err
	}
	e.releaseEntries(ctx, q.key, stale)
	return entry, d, nil
}

func (e *Engine) joinLocked(ctx context.Context, q *Queue, m Member, id, token string) (Entry, Delta, []Entry, error) {
	if !q.cfg.Open {
		return Entry{}, Delta{}, nil, ErrQueueClosed
	}
	if q.full() {
		return Entry{}, Delta{}, nil, ErrQueueFull
	}
	if q.indexOfMember(m.ID) >= 0 {
		return Entry{}, Delta{}, nil, ErrAlreadyQueued
	}
	// Отменённый запрос не должен оставить запись.
	if err := ctx.Err(); err != nil {
		return Entry{}, Delta{}, nil, err
	}

	now := e.now()
	if now.Before(q.lastJoin) {
		now = q.lastJoin
	}
	entry := &Entry{
		ID:          id,
		MemberID:    m.ID,
		DisplayName: m.DisplayName,
		JoinedAt:    now,
		Position:    len(q.entries) + 1,
		Token:       token,
		Status:      StatusWaiting,
	}
	view := entry.View(q.cfg.ServiceMinutes)
	d := q.delta(MemberJoined, now)
	d.Entry = &view
	d.token = token
	if !e.recorder.Record(d) {
		return Entry{}, Delta{}, nil, ErrUnavailable
	}

	q.entries = append(q.entries, entry)
	q.version++
	q.lastJoin = now
	e.registry.track(id, q.key)
	stale := e.finish(q, &d)
	return *entry, d, stale, nil
}

// Leave убирает активную запись участника из очереди.
func (e *Engine) Leave(ctx context.Context, q *Queue, memberID uint) (Entry, Delta, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Delta{}, err
	}
	q.mu.Lock()
	idx := q.indexOfMember(memberID)
	if idx < 0 {
		q.mu.Unlock()
		return Entry{}, Delta{}, ErrNotInQueue
	}
	removed, d, stale, err := e.removeLocked(ctx, q, idx, StatusLeft, MemberLeft)
	q.mu.Unlock()
	if err != nil {
		return Entry{}, Delta{}, err
	}
	e.releaseEntries(ctx, q.key, append(stale, removed))
	return removed, d, nil
}

// RemoveEntry убирает конкретную запись по решению бизнеса (участник не пришёл).
func (e *Engine) RemoveEntry(ctx context.Context, q *Queue, entryID string) (Entry, Delta, error) {
	return e.removeEntry(ctx, q, entryID, StatusLeft, MemberLeft)
}

// Complete завершает обслуживание записи, вызванной или ещё ожидающей.
func (e *Engine) Complete(ctx context.Context, q *Queue, entryID string) (Entry, Delta, error) {
	return e.removeEntry(ctx, q, entryID, StatusCompleted, MemberCompleted)
}

func (e *Engine) removeEntry(ctx context.Context, q *Queue, entryID string, final Status, t DeltaType) (Entry, Delta, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Delta{}, err
	}
	q.mu.Lock()
	idx := q.indexOf(entryID)
	if idx < 0 {
		st, ok := q.buried(entryID)
		q.mu.Unlock()
		if ok {
			return Entry{}, Delta{}, errors.Wrapf(ErrInvalidTransition, "entry %s is already %s", entryID, st)
		}
		return Entry{}, Delta{}, ErrNotInQueue
	}
	removed, d, stale, err := e.removeLocked(ctx, q, idx, final, t)
	q.mu.Unlock()
	if err != nil {
		return Entry{}, Delta{}, err
	}
	e.releaseEntries(ctx, q.key, append(stale, removed))
	return removed, d, nil
}

func (e *Engine) removeLocked(ctx context.Context, q *Queue, idx int, final Status, t DeltaType) (Entry, Delta, []Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Delta{}, nil, err
	}
	target := *q.entries[idx]
	target.Status = final
	target.Token = ""

	view := target.View(q.cfg.ServiceMinutes)
	view.EstimatedWaitMinutes = 0
	d := q.delta(t, e.now())
	d.Entry = &view
	d.Shifted = q.shiftsAfter(idx)
	if !e.recorder.Record(d) {
		return Entry{}, Delta{}, nil, ErrUnavailable
	}

	q.removeAt(idx, final)
	q.version++
	e.registry.untrack(target.ID)
	stale := e.finish(q, &d)
	return target, d, stale, nil
}

// CallNext вызывает ожидающую запись с наименьшей позицией. Вызванная запись
// остаётся на своём месте до завершения. Если ожидающих нет, но есть
// вызванная, она возвращается повторно без изменений и без события.
func (e *Engine) CallNext(ctx context.Context, q *Queue) (CallResult, Delta, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, Delta{}, err
	}
	q.mu.Lock()
	res, d, stale, err := e.callNextLocked(ctx, q)
	q.mu.Unlock()
	if err != nil {
		return CallResult{}, Delta{}, err
	}
	e.releaseEntries(ctx, q.key, stale)
	return res, d, nil
}

func (e *Engine) callNextLocked(ctx context.Context, q *Queue) (CallResult, Delta, []Entry, error) {
	var next, called *Entry
	for _, entry := range q.entries {
		if entry.Status == StatusWaiting {
			next = entry
			break
		}
		if entry.Status == StatusCalled && called == nil {
			called = entry
		}
	}
	if next == nil {
		if called == nil {
			return CallResult{}, Delta{}, nil, nil
		}
		same := *called
		return CallResult{Entry: &same, View: same.View(q.cfg.ServiceMinutes)}, Delta{}, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return CallResult{}, Delta{}, nil, err
	}

	now := e.now()
	updated := *next
	updated.Status = StatusCalled
	updated.CalledAt = &now
	view := updated.View(q.cfg.ServiceMinutes)
	d := q.delta(MemberCalled, now)
	d.Entry = &view
	if !e.recorder.Record(d) {
		return CallResult{}, Delta{}, nil, ErrUnavailable
	}

	next.Status = StatusCalled
	next.CalledAt = &now
	q.version++
	stale := e.finish(q, &d)
	return CallResult{Entry: &updated, View: view, Fresh: true}, d, stale, nil
}

// Close закрывает очередь: все записи уходят со статусом left, новые
// вступления запрещены, пока справочник снова не откроет очередь.
func (e *Engine) Close(ctx context.Context, q *Queue) (Delta, error) {
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}
	q.mu.Lock()
	if len(q.entries) == 0 && !q.cfg.Open {
		q.mu.Unlock()
		return Delta{}, nil
	}
	d := q.delta(QueueClosed, e.now())
	removed := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		gone := *entry
		gone.Status = StatusLeft
		gone.Token = ""
		removed = append(removed, gone)
		view := gone.View(q.cfg.ServiceMinutes)
		view.EstimatedWaitMinutes = 0
		d.Removed = append(d.Removed, view)
	}
	if !e.recorder.Record(d) {
		q.mu.Unlock()
		return Delta{}, ErrUnavailable
	}
	ids := make([]string, 0, len(removed))
	for i := len(q.entries) - 1; i >= 0; i-- {
		ids = append(ids, q.entries[i].ID)
		q.removeAt(i, StatusLeft)
	}
	q.cfg.Open = false
	q.version++
	e.registry.untrack(ids...)
	stale := e.finish(q, &d)
	q.mu.Unlock()

	e.releaseEntries(ctx, q.key, append(stale, removed...))
	return d, nil
}

// Position возвращает активную запись участника в очереди.
func (e *Engine) Position(q *Queue, memberID uint) (EntryView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOfMember(memberID)
	if idx < 0 {
		return EntryView{}, false
	}
	return q.entries[idx].View(q.cfg.ServiceMinutes), true
}

// FindByToken ищет запись по токену членства. Перебираются все записи,
// чтобы время ответа не зависело от места совпадения.
func (e *Engine) FindByToken(q *Queue, token string) (EntryView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		found EntryView
		ok    bool
	)
	for _, entry := range q.entries {
		if e.tokens.Validate(entry.Token, token) {
			found, ok = entry.View(q.cfg.ServiceMinutes), true
		}
	}
	return found, ok
}

// TokenValid сообщает, действителен ли токен для записи. Токен удалённой записи недействителен.
func (e *Engine) TokenValid(q *Queue, entryID, token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(entryID)
	if idx < 0 {
		return false
	}
	return e.tokens.Validate(q.entries[idx].Token, token)
}

// Memberships возвращает все активные записи участника во всех очередях.
func (e *Engine) Memberships(memberID uint) []Membership {
	var out []Membership
	for _, q := range e.registry.Queues() {
		if view, ok := e.Position(q, memberID); ok {
			out = append(out, Membership{Key: q.key, Entry: view})
		}
	}
	return out
}

// Verify проверяет инварианты очереди. При нарушении очередь полностью
// перепроверяется, а возвращаются изменение для подписчиков и найденная ошибка.
func (e *Engine) Verify(ctx context.Context, q *Queue) (Delta, error) {
	q.mu.Lock()
	err := q.check()
	if err == nil {
		q.mu.Unlock()
		return Delta{}, nil
	}
	e.logger.WithError(err).WithField("owner_key", q.key.String()).Error("нарушен инвариант очереди, полная перепроверка")
	d, dropped := e.revalidateLocked(q)
	q.mu.Unlock()
	e.releaseEntries(ctx, q.key, dropped)
	return d, err
}

// Refresh повторно резервирует членство всех активных записей очереди, чтобы
// резервы с ограниченным сроком жизни не истекали у стоящих в очереди.
// Возвращает число записей, резерв которых занят чужим claim.
func (e *Engine) Refresh(ctx context.Context, q *Queue) (int, error) {
	q.mu.Lock()
	held := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		held = append(held, *entry)
	}
	q.mu.Unlock()

	lost := 0
	for _, entry := range held {
		ok, err := e.index.Reserve(ctx, q.key.BusinessID, entry.MemberID, entry.ID)
		if err != nil {
			return lost, err
		}
		if !ok {
			lost++
			e.logger.WithFields(logrus.Fields{
				"owner_key": q.key.String(),
				"entry_id":  entry.ID,
				"member_id": entry.MemberID,
			}).Error("резерв участника занят другой записью")
			continue
		}
		// Запись могла уйти, пока резерв продлевался.
		q.mu.Lock()
		gone := q.indexOf(entry.ID) < 0
		q.mu.Unlock()
		if gone {
			e.release(ctx, q.key.BusinessID, entry.MemberID, entry.ID)
		}
	}
	return lost, nil
}

// Restore загружает сохранённые активные записи при старте. Записи упорядочиваются
// по JoinedAt, позиции пересчитываются. Возвращаются записи, которые пришлось
// отбросить: повторное членство участника в бизнесе или неактивный статус.
func (e *Engine) Restore(ctx context.Context, key OwnerKey, cfg Config, entries []Entry) (*Queue, []Entry, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})

	q := e.registry.Resolve(key, cfg)
	var (
		kept    []*Entry
		dropped []Entry
	)
	for _, entry := range sorted {
		if !entry.Status.Active() || entry.Token == "" {
			dropped = append(dropped, entry)
			continue
		}
		ok, err := e.index.Reserve(ctx, key.BusinessID, entry.MemberID, entry.ID)
		if err != nil {
			return nil, dropped, errors.Wrapf(err, "restore %s", key)
		}
		if !ok {
			dropped = append(dropped, entry)
			continue
		}
		restored := entry
		kept = append(kept, &restored)
	}

	q.mu.Lock()
	q.entries = append(q.entries, kept...)
	for _, entry := range kept {
		e.registry.track(entry.ID, key)
	}
	d, stale := e.revalidateLocked(q)
	q.mu.Unlock()

	if len(d.Shifted) > 0 {
		e.logger.WithFields(logrus.Fields{
			"owner_key": key.String(),
			"shifted":   len(d.Shifted),
		}).Warn("позиции восстановленной очереди пересчитаны")
	}
	e.releaseEntries(ctx, key, stale)
	return q, append(dropped, stale...), nil
}

// finish проверяет инварианты после изменения и прикладывает снимок к дельте.
func (e *Engine) finish(q *Queue, d *Delta) []Entry {
	var dropped []Entry
	if err := q.check(); err != nil {
		e.logger.WithError(err).WithField("owner_key", q.key.String()).Error("нарушен инвариант очереди, полная перепроверка")
		_, dropped = e.revalidateLocked(q)
	}
	snap := q.snapshotLocked()
	d.Snapshot = &snap
	return dropped
}

func (e *Engine) revalidateLocked(q *Queue) (Delta, []Entry) {
	shifted, dropped := q.revalidate()
	d := q.delta(QueueRevalidated, e.now())
	d.Shifted = shifted
	out := make([]Entry, 0, len(dropped))
	ids := make([]string, 0, len(dropped))
	for _, entry := range dropped {
		out = append(out, *entry)
		ids = append(ids, entry.ID)
		d.Removed = append(d.Removed, entry.View(q.cfg.ServiceMinutes))
	}
	e.registry.untrack(ids...)
	if len(shifted) > 0 || len(dropped) > 0 {
		if !e.recorder.Record(d) {
			e.logger.WithField("owner_key", q.key.String()).Warn("результат перепроверки очереди не записан")
		}
		q.version++
	}
	snap := q.snapshotLocked()
	d.Snapshot = &snap
	return d, out
}

func (e *Engine) releaseEntries(ctx context.Context, key OwnerKey, entries []Entry) {
	for _, entry := range entries {
		e.release(ctx, key.BusinessID, entry.MemberID, entry.ID)
	}
}

func (e *Engine) release(ctx context.Context, businessID, memberID uint, claim string) {
	if err := e.index.Release(context.WithoutCancel(ctx), businessID, memberID, claim); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"business_id": businessID,
			"member_id":   memberID,
		}).Warn("не удалось снять резерв участника")
	}
}

func (q *Queue) delta(t DeltaType, at time.Time) Delta {
	return Delta{
		Type:    t,
		Topic:   q.key.String(),
		Key:     q.key,
		Version: q.version + 1,
		At:      at,
	}
}
