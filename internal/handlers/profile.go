package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"waitline/internal/queue"
	"waitline/internal/response"
)

// QueueTokenHeader: заголовок с токеном членства.
const QueueTokenHeader = "X-Queue-Token"

// UserQueueItem: одна активная запись пользователя.
type UserQueueItem struct {
	BusinessID uint            `json:"business_id"`
	ServiceID  uint            `json:"service_id,omitempty"`
	Topic      string          `json:"topic"`
	Entry      queue.EntryView `json:"entry"`
}

func userQueueItem(m queue.Membership) UserQueueItem {
	return UserQueueItem{
		BusinessID: m.Key.BusinessID,
		ServiceID:  m.Key.ServiceID,
		Topic:      m.Key.String(),
		Entry:      m.Entry,
	}
}

// GetUserQueues godoc
// @Summary		Получение списка своих очередей
// @Description	Получение списка очередей, в которых пользователь участвует, с позицией и оценкой ожидания
// @Tags			profile
// @Produce		json
// @Security		BearerAuth
// @Success		200	{array}	UserQueueItem	"Активные записи пользователя"
// @Router			/api/profile/queues [get]
func (h *QueueHandler) GetUserQueues(c *gin.Context) {
	memberships := h.queues.MemberQueues(identity(c).ID)
	result := make([]UserQueueItem, 0, len(memberships))
	for _, m := range memberships {
		result = append(result, userQueueItem(m))
	}
	c.JSON(http.StatusOK, result)
}

// GetMembership godoc
// @Summary		Запись по токену членства
// @Description	Позиция в очереди по токену, выданному при вступлении. Авторизация не нужна.
// @Tags			membership
// @Produce		json
// @Param			X-Queue-Token	header		string	true	"Токен членства"
// @Success		200				{object}	UserQueueItem
// @Failure		401				{object}	response.ErrorResponse	"Нет токена (NO_QUEUE_TOKEN)"
// @Failure		404				{object}	response.ErrorResponse	"Токен недействителен (NOT_IN_QUEUE)"
// @Router			/api/membership [get]
func (h *QueueHandler) GetMembership(c *gin.Context) {
	raw, ok := queueToken(c)
	if !ok {
		return
	}
	m, err := h.queues.MembershipByToken(c.Request.Context(), raw)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, userQueueItem(m))
}

// LeaveByToken godoc
// @Summary		Выход из очереди по токену членства
// @Tags			membership
// @Produce		json
// @Param			X-Queue-Token	header		string	true	"Токен членства"
// @Success		200				{object}	response.SuccessResponse
// @Failure		401				{object}	response.ErrorResponse	"Нет токена (NO_QUEUE_TOKEN)"
// @Failure		404				{object}	response.ErrorResponse	"Токен недействителен (NOT_IN_QUEUE)"
// @Router			/api/membership [delete]
func (h *QueueHandler) LeaveByToken(c *gin.Context) {
	raw, ok := queueToken(c)
	if !ok {
		return
	}
	if _, err := h.queues.LeaveByToken(c.Request.Context(), raw); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Вы успешно вышли из очереди"})
}

func queueToken(c *gin.Context) (string, bool) {
	raw := c.GetHeader(QueueTokenHeader)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{
			Code:    "NO_QUEUE_TOKEN",
			Message: "Требуется токен членства",
		})
		return "", false
	}
	return raw, true
}
