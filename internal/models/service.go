package models

import (
	"time"

	"gorm.io/gorm"
)

// Service: услуга бизнеса со своей очередью.
type Service struct {
	gorm.Model
	BusinessID     uint          `gorm:"index;not null"`
	Name           string        `gorm:"not null"`
	Description    string
	Status         ServiceStatus `gorm:"index;not null;default:scheduled"`
	StartTime      *time.Time    `gorm:"index"` // Время автоматической активации
	EndTime        *time.Time    `gorm:"index"` // Время автоматического завершения
	ServiceMinutes int           `gorm:"not null"`
	Capacity       int           // 0 без ограничения; задаётся при создании и не меняется
}
