package queueing

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waitline/internal/directory"
	"waitline/internal/events"
	"waitline/internal/models"
	"waitline/internal/queue"
)

type Directory interface {
	Lookup(ctx context.Context, key queue.OwnerKey) (queue.Config, error)
}

type TokenSubjects interface {
	Subject(raw string) (uint, error)
}

// EntryLoader читает сохранённые записи при старте.
type EntryLoader interface {
	LoadActive(ctx context.Context) (map[queue.OwnerKey][]queue.Entry, error)
	MarkLeft(ctx context.Context, at time.Time, ids ...string) error
}

// Service выполняет операции над очередями: берёт параметры из справочника,
// изменяет очередь через движок и публикует изменение после операции.
type Service struct {
	engine    *queue.Engine
	directory Directory
	publisher events.Publisher
	tokens    TokenSubjects
	logger    logrus.FieldLogger
}

func New(engine *queue.Engine, dir Directory, pub events.Publisher, tokens TokenSubjects, logger logrus.FieldLogger) *Service {
	return &Service{
		engine:    engine,
		directory: dir,
		publisher: pub,
		tokens:    tokens,
		logger:    logger,
	}
}

func (s *Service) queueFor(ctx context.Context, key queue.OwnerKey) (*queue.Queue, error) {
	cfg, err := s.directory.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.engine.Registry().Resolve(key, cfg), nil
}

// Join ставит участника в очередь владельца и возвращает запись вместе с
// её публичным представлением. Конфликт резерва членства повторяется один раз.
func (s *Service) Join(ctx context.Context, key queue.OwnerKey, m queue.Member) (queue.Entry, queue.EntryView, error) {
	q, err := s.queueFor(ctx, key)
	if err != nil {
		return queue.Entry{}, queue.EntryView{}, err
	}
	entry, d, err := s.engine.Join(ctx, q, m)
	if errors.Is(err, queue.ErrConcurrencyConflict) {
		s.logger.WithFields(logrus.Fields{"owner_key": key.String(), "member_id": m.ID}).Debug("конфликт резерва, повтор")
		entry, d, err = s.engine.Join(ctx, q, m)
	}
	if err != nil {
		return queue.Entry{}, queue.EntryView{}, err
	}
	s.publish(ctx, d)
	return entry, *d.Entry, nil
}

func (s *Service) Leave(ctx context.Context, key queue.OwnerKey, memberID uint) (queue.Entry, error) {
	q, ok := s.engine.Registry().Lookup(key)
	if !ok {
		return queue.Entry{}, queue.ErrNotInQueue
	}
	entry, d, err := s.engine.Leave(ctx, q, memberID)
	if err != nil {
		return queue.Entry{}, err
	}
	s.publish(ctx, d)
	return entry, nil
}

func (s *Service) CallNext(ctx context.Context, key queue.OwnerKey) (queue.CallResult, error) {
	q, err := s.queueFor(ctx, key)
	if err != nil {
		return queue.CallResult{}, err
	}
	res, d, err := s.engine.CallNext(ctx, q)
	if err != nil {
		return queue.CallResult{}, err
	}
	s.publish(ctx, d)
	return res, nil
}

// Complete завершает обслуживание записи бизнеса businessID.
func (s *Service) Complete(ctx context.Context, businessID uint, entryID string) (queue.Entry, error) {
	return s.finishEntry(ctx, businessID, entryID, s.engine.Complete)
}

// RemoveEntry убирает запись по решению бизнеса.
func (s *Service) RemoveEntry(ctx context.Context, businessID uint, entryID string) (queue.Entry, error) {
	return s.finishEntry(ctx, businessID, entryID, s.engine.RemoveEntry)
}

type entryOp func(ctx context.Context, q *queue.Queue, entryID string) (queue.Entry, queue.Delta, error)

func (s *Service) finishEntry(ctx context.Context, businessID uint, entryID string, op entryOp) (queue.Entry, error) {
	q, ok := s.engine.Registry().Locate(entryID)
	// Чужие записи неотличимы от несуществующих.
	if !ok || q.Key().BusinessID != businessID {
		return queue.Entry{}, queue.ErrNotInQueue
	}
	entry, d, err := op(ctx, q, entryID)
	if err != nil {
		return queue.Entry{}, err
	}
	s.publish(ctx, d)
	return entry, nil
}

// Snapshot возвращает полное состояние очереди владельца.
func (s *Service) Snapshot(ctx context.Context, key queue.OwnerKey) (queue.Snapshot, error) {
	q, err := s.queueFor(ctx, key)
	if err != nil {
		return queue.Snapshot{}, err
	}
	return q.Snapshot(), nil
}

// Position возвращает запись участника в очереди владельца.
func (s *Service) Position(ctx context.Context, key queue.OwnerKey, memberID uint) (queue.EntryView, error) {
	if err := ctx.Err(); err != nil {
		return queue.EntryView{}, err
	}
	q, ok := s.engine.Registry().Lookup(key)
	if !ok {
		return queue.EntryView{}, queue.ErrNotInQueue
	}
	view, ok := s.engine.Position(q, memberID)
	if !ok {
		return queue.EntryView{}, queue.ErrNotInQueue
	}
	return view, nil
}

// MemberQueues возвращает все активные записи участника.
func (s *Service) MemberQueues(memberID uint) []queue.Membership {
	return s.engine.Memberships(memberID)
}

// MembershipByToken находит запись по одному только токену членства.
// Неверный или отозванный токен даёт ErrNotInQueue.
func (s *Service) MembershipByToken(ctx context.Context, raw string) (queue.Membership, error) {
	m, _, err := s.byToken(ctx, raw)
	return m, err
}

// LeaveByToken выводит из очереди владельца токена.
func (s *Service) LeaveByToken(ctx context.Context, raw string) (queue.Entry, error) {
	m, q, err := s.byToken(ctx, raw)
	if err != nil {
		return queue.Entry{}, err
	}
	entry, d, err := s.engine.RemoveEntry(ctx, q, m.Entry.ID)
	if err != nil {
		return queue.Entry{}, err
	}
	s.publish(ctx, d)
	return entry, nil
}

func (s *Service) byToken(ctx context.Context, raw string) (queue.Membership, *queue.Queue, error) {
	if err := ctx.Err(); err != nil {
		return queue.Membership{}, nil, err
	}
	memberID, err := s.tokens.Subject(raw)
	if err != nil {
		return queue.Membership{}, nil, queue.ErrNotInQueue
	}
	for _, m := range s.engine.Memberships(memberID) {
		q, ok := s.engine.Registry().Lookup(m.Key)
		if ok && s.engine.TokenValid(q, m.Entry.ID, raw) {
			return m, q, nil
		}
	}
	return queue.Membership{}, nil, queue.ErrNotInQueue
}

// Close закрывает очередь владельца, если она есть в памяти.
func (s *Service) Close(ctx context.Context, key queue.OwnerKey) error {
	q, ok := s.engine.Registry().Lookup(key)
	if !ok {
		return nil
	}
	d, err := s.engine.Close(ctx, q)
	if err != nil {
		return err
	}
	s.publish(ctx, d)
	return nil
}

// ServiceChanged применяет новый статус услуги к её очереди: завершённая
// услуга закрывает очередь, остальные статусы только меняют параметры.
func (s *Service) ServiceChanged(ctx context.Context, svc models.Service) error {
	key := queue.OwnerKey{BusinessID: svc.BusinessID, ServiceID: svc.ID}
	if svc.Status == models.ServiceFinished {
		return s.Close(ctx, key)
	}
	if _, ok := s.engine.Registry().Lookup(key); !ok && svc.Status != models.ServiceActive {
		return nil
	}
	_, err := s.queueFor(ctx, key)
	return err
}

// SweepResult: итог обхода очередей.
type SweepResult struct {
	Queues      int
	Revalidated int
	LostClaims  int
}

// Sweep проверяет инварианты всех очередей и продлевает резервы членства.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	for _, q := range s.engine.Registry().Queues() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Queues++
		d, err := s.engine.Verify(ctx, q)
		if err != nil {
			res.Revalidated++
			s.publish(ctx, d)
		}
		lost, err := s.engine.Refresh(ctx, q)
		res.LostClaims += lost
		if err != nil {
			return res, errors.Wrapf(err, "refresh %s", q.Key())
		}
	}
	return res, nil
}

// Restore поднимает сохранённые очереди. Записи очередей, владельца
// которых больше нет, и отброшенные при восстановлении записи закрываются.
func (s *Service) Restore(ctx context.Context, loader EntryLoader) (int, error) {
	loaded, err := loader.LoadActive(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for key, entries := range loaded {
		log := s.logger.WithField("owner_key", key.String())
		cfg, err := s.directory.Lookup(ctx, key)
		if errors.Is(err, directory.ErrNotFound) {
			log.Warn("владелец очереди не найден, записи закрываются")
			if err := loader.MarkLeft(ctx, time.Now(), entryIDs(entries)...); err != nil {
				return restored, err
			}
			continue
		}
		if err != nil {
			return restored, err
		}
		_, dropped, err := s.engine.Restore(ctx, key, cfg, entries)
		if err != nil {
			return restored, err
		}
		if len(dropped) > 0 {
			log.WithField("dropped", len(dropped)).Warn("часть записей не восстановлена")
			if err := loader.MarkLeft(ctx, time.Now(), entryIDs(dropped)...); err != nil {
				return restored, err
			}
		}
		restored += len(entries) - len(dropped)
	}
	return restored, nil
}

func entryIDs(entries []queue.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (s *Service) publish(ctx context.Context, d queue.Delta) {
	if d.Empty() {
		return
	}
	// Изменение уже применено, поэтому отмена запроса рассылку не останавливает.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), d.Topic, d); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"owner_key": d.Topic,
			"event":     d.Type,
			"version":   d.Version,
		}).Warn("не удалось опубликовать изменение очереди")
	}
}
