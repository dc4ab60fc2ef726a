package models

import "time"

// QueueEntry: сохранённая запись очереди. ServiceID == 0 означает общую очередь бизнеса.
type QueueEntry struct {
	ID          string     `gorm:"primaryKey;size:36"`
	BusinessID  uint       `gorm:"index:idx_entry_owner;not null"`
	ServiceID   uint       `gorm:"index:idx_entry_owner;not null;default:0"`
	MemberID    uint       `gorm:"index;not null"`
	DisplayName string
	Position    int        `gorm:"not null"` // Позиция на момент последнего изменения
	Status      string     `gorm:"index;not null"`
	Token       string     `gorm:"not null"`
	JoinedAt    time.Time  `gorm:"index;not null"`
	CalledAt    *time.Time
	ExitedAt    *time.Time `gorm:"index"` // nil у активной записи
	UpdatedAt   time.Time
}
