package queue

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyQueued       = errors.New("queue: member already has an active entry")
	ErrNotInQueue          = errors.New("queue: no active entry")
	ErrQueueFull           = errors.New("queue: capacity reached")
	ErrQueueClosed         = errors.New("queue: not accepting members")
	ErrInvalidTransition   = errors.New("queue: invalid status transition")
	ErrConcurrencyConflict = errors.New("queue: concurrent membership change")
	ErrUnavailable         = errors.New("queue: storage or transport unavailable")
	ErrInternal            = errors.New("queue: invariant violation")
)

// Kind: стабильный вид ошибки для вызывающей стороны.
type Kind string

const (
	KindAlreadyQueued       Kind = "AlreadyQueued"
	KindNotInQueue          Kind = "NotInQueue"
	KindQueueFull           Kind = "QueueFull"
	KindQueueClosed         Kind = "QueueClosed"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindUnavailable         Kind = "Unavailable"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAlreadyQueued, KindAlreadyQueued},
	{ErrNotInQueue, KindNotInQueue},
	{ErrQueueFull, KindQueueFull},
	{ErrQueueClosed, KindQueueClosed},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrUnavailable, KindUnavailable},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindCancelled},
}

// KindOf определяет вид ошибки. Неизвестные ошибки считаются внутренними.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
