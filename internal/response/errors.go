package response

import (
	"net/http"

	"github.com/pkg/errors"

	"waitline/internal/directory"
	"waitline/internal/queue"
)

type mapping struct {
	status  int
	code    string
	message string
}

var byKind = map[queue.Kind]mapping{
	queue.KindAlreadyQueued:       {http.StatusConflict, "ALREADY_QUEUED", "Вы уже стоите в очереди этого бизнеса"},
	queue.KindNotInQueue:          {http.StatusNotFound, "NOT_IN_QUEUE", "Запись в очереди не найдена"},
	queue.KindQueueFull:           {http.StatusConflict, "QUEUE_FULL", "Очередь заполнена"},
	queue.KindQueueClosed:         {http.StatusConflict, "QUEUE_CLOSED", "Очередь сейчас не принимает участников"},
	queue.KindInvalidTransition:   {http.StatusConflict, "INVALID_TRANSITION", "Запись уже обработана"},
	queue.KindConcurrencyConflict: {http.StatusConflict, "CONCURRENCY_CONFLICT", "Очередь изменилась, повторите попытку"},
	queue.KindUnavailable:         {http.StatusServiceUnavailable, "UNAVAILABLE", "Сервис временно недоступен"},
	queue.KindCancelled:           {http.StatusRequestTimeout, "REQUEST_CANCELLED", "Запрос отменён"},
	queue.KindInternal:            {http.StatusInternalServerError, "INTERNAL", "Внутренняя ошибка сервера"},
}

// FromError переводит ошибку операции в HTTP-статус и тело ответа.
func FromError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "QUEUE_NOT_FOUND", Message: "Очередь не найдена"}
	case errors.Is(err, directory.ErrInvalidStatus):
		return http.StatusConflict, ErrorResponse{Code: "INVALID_STATUS", Message: "Недопустимая смена статуса услуги", Details: err.Error()}
	}
	m := byKind[queue.KindOf(err)]
	if m.code == "" {
		m = byKind[queue.KindInternal]
	}
	return m.status, ErrorResponse{Code: m.code, Message: m.message}
}
