package directory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"waitline/internal/models"
	"waitline/internal/queue"
)

var (
	ErrNotFound      = errors.New("directory: queue owner not found")
	ErrInvalidStatus = errors.New("directory: invalid service status transition")
)

// Directory: справочник бизнесов и их услуг. Из него берутся параметры очередей.
type Directory struct {
	db             *gorm.DB
	defaultMinutes int
}

func New(db *gorm.DB, defaultMinutes int) *Directory {
	return &Directory{db: db, defaultMinutes: defaultMinutes}
}

// Lookup возвращает параметры очереди владельца. Общая очередь бизнеса
// открыта всегда, очередь услуги открыта только в статусе active.
func (d *Directory) Lookup(ctx context.Context, key queue.OwnerKey) (queue.Config, error) {
	if key.ServiceID == 0 {
		var owner models.User
		err := d.db.WithContext(ctx).
			Where("id = ? AND role = ?", key.BusinessID, models.RoleBusiness).
			First(&owner).Error
		if err != nil {
			return queue.Config{}, lookupError(err, key)
		}
		return queue.Config{ServiceMinutes: d.minutes(owner.ServiceMinutes), Open: true}, nil
	}

	svc, err := d.service(ctx, key.BusinessID, key.ServiceID)
	if err != nil {
		return queue.Config{}, err
	}
	return ConfigFor(svc, d.defaultMinutes), nil
}

// ConfigFor строит параметры очереди услуги.
func ConfigFor(svc models.Service, defaultMinutes int) queue.Config {
	minutes := svc.ServiceMinutes
	if minutes <= 0 {
		minutes = defaultMinutes
	}
	return queue.Config{
		ServiceMinutes: minutes,
		Capacity:       svc.Capacity,
		Open:           svc.Status == models.ServiceActive,
	}
}

func (d *Directory) minutes(m int) int {
	if m > 0 {
		return m
	}
	return d.defaultMinutes
}

type NewService struct {
	Name           string
	Description    string
	StartTime      *time.Time
	EndTime        *time.Time
	ServiceMinutes int
	Capacity       int
}

// CreateService добавляет услугу бизнеса в статусе scheduled.
func (d *Directory) CreateService(ctx context.Context, businessID uint, in NewService) (models.Service, error) {
	svc := models.Service{
		BusinessID:     businessID,
		Name:           in.Name,
		Description:    in.Description,
		Status:         models.ServiceScheduled,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		ServiceMinutes: d.minutes(in.ServiceMinutes),
		Capacity:       in.Capacity,
	}
	if err := d.db.WithContext(ctx).Create(&svc).Error; err != nil {
		return models.Service{}, errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	return svc, nil
}

// ListServices возвращает услуги бизнеса.
func (d *Directory) ListServices(ctx context.Context, businessID uint) ([]models.Service, error) {
	var services []models.Service
	if err := d.db.WithContext(ctx).
		Where("business_id = ?", businessID).
		Order("id ASC").
		Find(&services).Error; err != nil {
		return nil, errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	return services, nil
}

// UpdateStatus меняет статус услуги и возвращает её новое состояние.
func (d *Directory) UpdateStatus(ctx context.Context, businessID, serviceID uint, status models.ServiceStatus) (models.Service, error) {
	svc, err := d.service(ctx, businessID, serviceID)
	if err != nil {
		return models.Service{}, err
	}
	if !svc.Status.CanMoveTo(status) {
		return models.Service{}, errors.Wrapf(ErrInvalidStatus, "%s -> %s", svc.Status, status)
	}
	if svc.Status == status {
		return svc, nil
	}
	if err := d.db.WithContext(ctx).Model(&svc).Update("status", status).Error; err != nil {
		return models.Service{}, errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	svc.Status = status
	return svc, nil
}

// DueTransitions возвращает услуги, которым пора сменить статус по расписанию.
func (d *Directory) DueTransitions(ctx context.Context, now time.Time) ([]models.Service, error) {
	var candidates []models.Service
	if err := d.db.WithContext(ctx).
		Where("status <> ?", models.ServiceFinished).
		Where("(status = ? AND start_time <= ?) OR end_time <= ?", models.ServiceScheduled, now, now).
		Find(&candidates).Error; err != nil {
		return nil, errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	due := candidates[:0]
	for _, svc := range candidates {
		if _, ok := svc.DueStatus(now); ok {
			due = append(due, svc)
		}
	}
	return due, nil
}

func (d *Directory) service(ctx context.Context, businessID, serviceID uint) (models.Service, error) {
	var svc models.Service
	err := d.db.WithContext(ctx).
		Where("id = ? AND business_id = ?", serviceID, businessID).
		First(&svc).Error
	if err != nil {
		return models.Service{}, lookupError(err, queue.OwnerKey{BusinessID: businessID, ServiceID: serviceID})
	}
	return svc, nil
}

func lookupError(err error, key queue.OwnerKey) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, key.String())
	}
	return errors.Wrapf(queue.ErrUnavailable, "lookup %s: %v", key, err)
}
