package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"waitline/internal/auth"
	"waitline/internal/events"
	"waitline/internal/queue"
	"waitline/internal/response"
	"waitline/internal/service/queueing"
	"waitline/internal/ws"
)

type QueueHandler struct {
	queues *queueing.Service
	hub    *ws.Hub
	logger logrus.FieldLogger
}

func NewQueueHandler(queues *queueing.Service, hub *ws.Hub, logger logrus.FieldLogger) *QueueHandler {
	return &QueueHandler{queues: queues, hub: hub, logger: logger}
}

// ownerKey разбирает businessId и необязательный serviceId из пути.
func ownerKey(c *gin.Context) (queue.OwnerKey, bool) {
	businessID, err := strconv.ParseUint(c.Param("businessId"), 10, 64)
	if err != nil || businessID == 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_QUEUE_ID",
			Message: "Неверный идентификатор бизнеса",
		})
		return queue.OwnerKey{}, false
	}
	key := queue.OwnerKey{BusinessID: uint(businessID)}
	if raw := c.Param("serviceId"); raw != "" {
		serviceID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || serviceID == 0 {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{
				Code:    "INVALID_QUEUE_ID",
				Message: "Неверный идентификатор услуги",
			})
			return queue.OwnerKey{}, false
		}
		key.ServiceID = uint(serviceID)
	}
	return key, true
}

func fail(c *gin.Context, err error) {
	status, body := response.FromError(err)
	c.JSON(status, body)
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.IdentityFrom(c)
	return id
}

// JoinQueue godoc
// @Summary		Вступление в очередь
// @Description	Ставит пользователя в конец очереди бизнеса или услуги и уведомляет подписчиков. В ответе выдаётся токен членства.
// @Tags			queue
// @Produce		json
// @Param			businessId	path		int	true	"ID бизнеса"
// @Param			serviceId	path		int	false	"ID услуги"
// @Security		BearerAuth
// @Success		200	{object}	response.JoinResponse	"Успешное вступление в очередь"
// @Failure		400	{object}	response.ErrorResponse	"Неверный идентификатор (INVALID_QUEUE_ID)"
// @Failure		404	{object}	response.ErrorResponse	"Очередь не найдена (QUEUE_NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Уже в очереди (ALREADY_QUEUED), очередь заполнена (QUEUE_FULL) или закрыта (QUEUE_CLOSED)"
// @Failure		503	{object}	response.ErrorResponse	"Хранилище недоступно (UNAVAILABLE)"
// @Router			/api/businesses/{businessId}/queue/join [post]
// @Router			/api/businesses/{businessId}/services/{serviceId}/queue/join [post]
func (h *QueueHandler) JoinQueue(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok {
		return
	}
	id := identity(c)
	entry, view, err := h.queues.Join(c.Request.Context(), key, queue.Member{ID: id.ID, DisplayName: id.Name})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.JoinResponse{
		Message:              "Вступление в очередь прошло успешно",
		EntryID:              entry.ID,
		Position:             entry.Position,
		EstimatedWaitMinutes: view.EstimatedWaitMinutes,
		Token:                entry.Token,
	})
}

// LeaveQueue godoc
// @Summary		Выход из очереди
// @Description	Убирает пользователя из очереди, позиции стоящих позади уменьшаются на единицу
// @Tags			queue
// @Produce		json
// @Param			businessId	path		int	true	"ID бизнеса"
// @Param			serviceId	path		int	false	"ID услуги"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Вы вышли из очереди"
// @Failure		404	{object}	response.ErrorResponse		"Пользователь не в очереди (NOT_IN_QUEUE)"
// @Router			/api/businesses/{businessId}/queue/leave [post]
// @Router			/api/businesses/{businessId}/services/{serviceId}/queue/leave [post]
func (h *QueueHandler) LeaveQueue(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok {
		return
	}
	if _, err := h.queues.Leave(c.Request.Context(), key, identity(c).ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Вы успешно вышли из очереди"})
}

// GetPosition godoc
// @Summary		Позиция в очереди
// @Description	Возвращает позицию пользователя и оценку ожидания в минутах
// @Tags			queue
// @Produce		json
// @Param			businessId	path		int	true	"ID бизнеса"
// @Param			serviceId	path		int	false	"ID услуги"
// @Security		BearerAuth
// @Success		200	{object}	queue.EntryView
// @Failure		404	{object}	response.ErrorResponse	"Пользователь не в очереди (NOT_IN_QUEUE)"
// @Router			/api/businesses/{businessId}/queue/position [get]
// @Router			/api/businesses/{businessId}/services/{serviceId}/queue/position [get]
func (h *QueueHandler) GetPosition(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok {
		return
	}
	view, err := h.queues.Position(c.Request.Context(), key, identity(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetQueueStatus godoc
// @Summary		Состояние очереди
// @Description	Полный снимок очереди: участники по порядку, версия, параметры
// @Tags			queue
// @Produce		json
// @Param			businessId	path		int	true	"ID бизнеса"
// @Param			serviceId	path		int	false	"ID услуги"
// @Security		BearerAuth
// @Success		200	{object}	queue.Snapshot
// @Failure		404	{object}	response.ErrorResponse	"Очередь не найдена (QUEUE_NOT_FOUND)"
// @Router			/api/businesses/{businessId}/queue [get]
// @Router			/api/businesses/{businessId}/services/{serviceId}/queue [get]
func (h *QueueHandler) GetQueueStatus(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok {
		return
	}
	snap, err := h.queues.Snapshot(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CallNext godoc
// @Summary		Вызов следующего
// @Description	Бизнес вызывает первого ожидающего. Вызванный остаётся на месте до завершения. Если ожидающих нет, возвращается уже вызванный.
// @Tags			queue
// @Produce		json
// @Param			businessId	path		int	true	"ID бизнеса"
// @Param			serviceId	path		int	false	"ID услуги"
// @Security		BearerAuth
// @Success		200	{object}	CallNextResponse
// @Failure		403	{object}	response.ErrorResponse	"Чужая очередь (FORBIDDEN)"
// @Router			/api/businesses/{businessId}/queue/call-next [post]
// @Router			/api/businesses/{businessId}/services/{serviceId}/queue/call-next [post]
func (h *QueueHandler) CallNext(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok || !h.owns(c, key) {
		return
	}
	res, err := h.queues.CallNext(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	out := CallNextResponse{Fresh: res.Fresh}
	if res.Entry != nil {
		view := res.View
		out.Entry = &view
	}
	c.JSON(http.StatusOK, out)
}

// CallNextResponse: результат вызова. Entry пуст, если очередь пуста.
type CallNextResponse struct {
	Entry *queue.EntryView `json:"entry"`
	Fresh bool             `json:"fresh"`
}

// CompleteEntry godoc
// @Summary		Завершение обслуживания
// @Tags			queue
// @Produce		json
// @Param			entryId	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse
// @Failure		404	{object}	response.ErrorResponse	"Запись не найдена (NOT_IN_QUEUE)"
// @Failure		409	{object}	response.ErrorResponse	"Запись уже обработана (INVALID_TRANSITION)"
// @Router			/api/entries/{entryId}/complete [post]
func (h *QueueHandler) CompleteEntry(c *gin.Context) {
	if _, err := h.queues.Complete(c.Request.Context(), identity(c).ID, c.Param("entryId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Обслуживание завершено"})
}

// RemoveEntry godoc
// @Summary		Удаление записи бизнесом
// @Description	Убирает участника, который не пришёл по вызову
// @Tags			queue
// @Produce		json
// @Param			entryId	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse
// @Failure		404	{object}	response.ErrorResponse	"Запись не найдена (NOT_IN_QUEUE)"
// @Failure		409	{object}	response.ErrorResponse	"Запись уже обработана (INVALID_TRANSITION)"
// @Router			/api/entries/{entryId}/remove [post]
func (h *QueueHandler) RemoveEntry(c *gin.Context) {
	if _, err := h.queues.RemoveEntry(c.Request.Context(), identity(c).ID, c.Param("entryId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Запись удалена из очереди"})
}

// QueueWebSocket обновляет соединение до WebSocket. Первым сообщением
// приходит снимок очереди, затем изменения.
// URL-пример: /api/businesses/7/services/3/queue/ws
func (h *QueueHandler) QueueWebSocket(c *gin.Context) {
	key, ok := ownerKey(c)
	if !ok {
		return
	}
	snap, err := h.queues.Snapshot(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	payload, err := events.EncodeSnapshot(key.String(), snap)
	if err != nil {
		fail(c, err)
		return
	}
	h.hub.ServeWS(c, key.String(), payload)
}

func (h *QueueHandler) owns(c *gin.Context, key queue.OwnerKey) bool {
	if identity(c).ID != key.BusinessID {
		c.JSON(http.StatusForbidden, response.ErrorResponse{
			Code:    "FORBIDDEN",
			Message: "Управлять можно только своей очередью",
		})
		return false
	}
	return true
}
