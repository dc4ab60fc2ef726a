package models

import "time"

// ServiceStatus: состояние услуги по расписанию.
type ServiceStatus string

const (
	ServiceScheduled ServiceStatus = "scheduled"
	ServiceActive    ServiceStatus = "active"
	ServicePaused    ServiceStatus = "paused"
	ServiceFinished  ServiceStatus = "finished"
)

func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceScheduled, ServiceActive, ServicePaused, ServiceFinished:
		return true
	}
	return false
}

// CanMoveTo сообщает, допустим ли переход. Завершённая услуга не возобновляется.
func (s ServiceStatus) CanMoveTo(next ServiceStatus) bool {
	if !next.Valid() || s == ServiceFinished {
		return false
	}
	if next == ServiceScheduled {
		return s == ServiceScheduled
	}
	return true
}

// DueStatus возвращает статус, в который услуга должна перейти по расписанию
// к моменту now, и false, если переход не нужен.
func (s Service) DueStatus(now time.Time) (ServiceStatus, bool) {
	if s.Status == ServiceFinished {
		return "", false
	}
	if s.EndTime != nil && !now.Before(*s.EndTime) {
		return ServiceFinished, true
	}
	if s.Status == ServiceScheduled && s.StartTime != nil && !now.Before(*s.StartTime) {
		return ServiceActive, true
	}
	return "", false
}
