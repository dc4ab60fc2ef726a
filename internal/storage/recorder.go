package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"waitline/internal/queue"
)

// DeltaStore применяет изменение очереди к долговременному хранилищу.
type DeltaStore interface {
	Apply(ctx context.Context, d queue.Delta) error
}

const (
	retryBase    = 100 * time.Millisecond
	retryMax     = 5 * time.Second
	drainTimeout = 10 * time.Second
)

// Recorder принимает изменения от движка без ожидания и записывает их в
// хранилище в том же порядке из одной горутины. Пока хранилище недоступно,
// запись повторяется, буфер заполняется и новые изменения отклоняются.
type Recorder struct {
	store      DeltaStore
	ch         chan queue.Delta
	logger     logrus.FieldLogger
	pending    atomic.Int64
	failed     atomic.Int64
	newBackOff func() backoff.BackOff
}

func NewRecorder(store DeltaStore, buffer int, logger logrus.FieldLogger) *Recorder {
	return &Recorder{
		store:      store,
		ch:         make(chan queue.Delta, buffer),
		logger:     logger,
		newBackOff: newBackOff,
	}
}

func (r *Recorder) Record(d queue.Delta) bool {
	select {
	case r.ch <- d:
		r.pending.Add(1)
		return true
	default:
		return false
	}
}

// Pending возвращает число принятых, но ещё не записанных изменений.
func (r *Recorder) Pending() int64 {
	return r.pending.Load()
}

// Failed возвращает число изменений, которые так и не удалось записать.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

// Run записывает изменения до отмены ctx, затем дописывает остаток буфера.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return
		case d := <-r.ch:
			r.write(ctx, d)
		}
	}
}

func (r *Recorder) write(ctx context.Context, d queue.Delta) {
	defer r.pending.Add(-1)
	log := r.logger.WithFields(logrus.Fields{
		"owner_key": d.Topic,
		"event":     d.Type,
		"version":   d.Version,
	})
	attempt := 0
	apply := func() error {
		attempt++
		return r.store.Apply(ctx, d)
	}
	retry := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": wait,
		}).Warn("не удалось записать изменение очереди, повтор")
	}
	// Повторы идут до отмены ctx, поэтому ошибка здесь означает остановку.
	if err := backoff.RetryNotify(apply, backoff.WithContext(r.newBackOff(), ctx), retry); err == nil {
		return
	}

	// Остановка: последняя попытка без отмены.
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := r.store.Apply(shutdown, d); err != nil {
		r.failed.Add(1)
		log.WithError(err).WithField("attempt", attempt+1).Error("изменение очереди не записано при остановке")
	}
}

// newBackOff удваивает паузу от retryBase до retryMax и не ограничивает общее время.
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0
	return b
}

func (r *Recorder) drain(ctx context.Context) {
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case d := <-r.ch:
			r.write(shutdown, d)
		default:
			if n := r.failed.Load(); n > 0 {
				r.logger.WithField("failed", n).Error("часть изменений очередей потеряна")
			}
			return
		}
	}
}
