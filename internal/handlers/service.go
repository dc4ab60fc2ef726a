package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"waitline/internal/directory"
	"waitline/internal/models"
	"waitline/internal/response"
)

// ServiceDirectory: управление услугами бизнеса.
type ServiceDirectory interface {
	CreateService(ctx context.Context, businessID uint, in directory.NewService) (models.Service, error)
	ListServices(ctx context.Context, businessID uint) ([]models.Service, error)
	UpdateStatus(ctx context.Context, businessID, serviceID uint, status models.ServiceStatus) (models.Service, error)
}

// ServiceObserver узнаёт о смене статуса услуги.
type ServiceObserver interface {
	ServiceChanged(ctx context.Context, svc models.Service) error
}

type ServiceHandler struct {
	services ServiceDirectory
	observer ServiceObserver
	logger   logrus.FieldLogger
}

func NewServiceHandler(services ServiceDirectory, observer ServiceObserver, logger logrus.FieldLogger) *ServiceHandler {
	return &ServiceHandler{services: services, observer: observer, logger: logger}
}

type CreateServiceRequest struct {
	Name           string     `json:"name" binding:"required"`
	Description    string     `json:"description"`
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	ServiceMinutes int        `json:"service_minutes" binding:"omitempty,min=1,max=1440"`
	Capacity       int        `json:"capacity" binding:"omitempty,min=1"`
}

type UpdateStatusRequest struct {
	Status models.ServiceStatus `json:"status" binding:"required,oneof=scheduled active paused finished"`
}

// ServiceResponse: услуга в ответах API.
type ServiceResponse struct {
	ID             uint                 `json:"id"`
	BusinessID     uint                 `json:"business_id"`
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Status         models.ServiceStatus `json:"status"`
	StartTime      *time.Time           `json:"start_time,omitempty"`
	EndTime        *time.Time           `json:"end_time,omitempty"`
	ServiceMinutes int                  `json:"service_minutes"`
	Capacity       int                  `json:"capacity"`
}

func serviceResponse(s models.Service) ServiceResponse {
	return ServiceResponse{
		ID:             s.ID,
		BusinessID:     s.BusinessID,
		Name:           s.Name,
		Description:    s.Description,
		Status:         s.Status,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		ServiceMinutes: s.ServiceMinutes,
		Capacity:       s.Capacity,
	}
}

// CreateService godoc
// @Summary		Создание услуги
// @Description	Бизнес добавляет услугу со своей очередью. Услуга создаётся в статусе scheduled.
// @Tags			services
// @Accept			json
// @Produce		json
// @Param			service	body		CreateServiceRequest	true	"Параметры услуги"
// @Security		BearerAuth
// @Success		201		{object}	ServiceResponse
// @Failure		400		{object}	response.ErrorResponse	"Ошибка валидации данных (VALIDATION_ERROR)"
// @Router			/api/services [post]
func (h *ServiceHandler) CreateService(c *gin.Context) {
	var req CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	if req.StartTime != nil && req.EndTime != nil && !req.EndTime.After(*req.StartTime) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Время окончания должно быть позже времени начала",
		})
		return
	}
	svc, err := h.services.CreateService(c.Request.Context(), identity(c).ID, directory.NewService{
		Name:           req.Name,
		Description:    req.Description,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		ServiceMinutes: req.ServiceMinutes,
		Capacity:       req.Capacity,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, serviceResponse(svc))
}

// ListServices godoc
// @Summary		Список своих услуг
// @Tags			services
// @Produce		json
// @Security		BearerAuth
// @Success		200	{array}	ServiceResponse
// @Router			/api/services [get]
func (h *ServiceHandler) ListServices(c *gin.Context) {
	services, err := h.services.ListServices(c.Request.Context(), identity(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	result := make([]ServiceResponse, 0, len(services))
	for _, s := range services {
		result = append(result, serviceResponse(s))
	}
	c.JSON(http.StatusOK, result)
}

// UpdateStatus godoc
// @Summary		Смена статуса услуги
// @Description	active открывает очередь, paused закрывает вход, finished закрывает очередь и выводит всех участников
// @Tags			services
// @Accept			json
// @Produce		json
// @Param			serviceId	path		int					true	"ID услуги"
// @Param			status		body		UpdateStatusRequest	true	"Новый статус"
// @Security		BearerAuth
// @Success		200			{object}	ServiceResponse
// @Failure		404			{object}	response.ErrorResponse	"Услуга не найдена (QUEUE_NOT_FOUND)"
// @Failure		409			{object}	response.ErrorResponse	"Недопустимый переход (INVALID_STATUS)"
// @Router			/api/services/{serviceId}/status [patch]
func (h *ServiceHandler) UpdateStatus(c *gin.Context) {
	serviceID, err := strconv.ParseUint(c.Param("serviceId"), 10, 64)
	if err != nil || serviceID == 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_QUEUE_ID",
			Message: "Неверный идентификатор услуги",
		})
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	svc, err := h.services.UpdateStatus(c.Request.Context(), identity(c).ID, uint(serviceID), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.observer.ServiceChanged(c.Request.Context(), svc); err != nil {
		h.logger.WithError(err).WithField("service_id", svc.ID).Warn("очередь не обновлена после смены статуса")
	}
	c.JSON(http.StatusOK, serviceResponse(svc))
}
