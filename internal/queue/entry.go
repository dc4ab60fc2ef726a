package queue

import (
	"fmt"
	"time"
)

// Status: состояние записи в очереди.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusCompleted Status = "completed"
	StatusLeft      Status = "left"
)

// Active сообщает, занимает ли запись место в очереди.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalled
}

// OwnerKey идентифицирует владельца очереди: бизнес целиком (ServiceID == 0)
// или отдельную услугу бизнеса.
type OwnerKey struct {
	BusinessID uint
	ServiceID  uint
}

// String возвращает ключ в виде имени топика, например "queue-7" или "queue-7-service-3".
func (k OwnerKey) String() string {
	if k.ServiceID == 0 {
		return fmt.Sprintf("queue-%d", k.BusinessID)
	}
	return fmt.Sprintf("queue-%d-service-%d", k.BusinessID, k.ServiceID)
}

// Member: участник, который встаёт в очередь. Данные приходят от сервиса идентификации.
type Member struct {
	ID          uint
	DisplayName string
}

// Entry: запись одного участника в очереди.
type Entry struct {
	ID          string
	MemberID    uint
	DisplayName string
	JoinedAt    time.Time
	Position    int
	Token       string
	Status      Status
	CalledAt    *time.Time
}

// EntryView: публичное представление записи, без токена.
type EntryView struct {
	ID                   string     `json:"id"`
	MemberID             uint       `json:"member_id"`
	DisplayName          string     `json:"display_name"`
	JoinedAt             time.Time  `json:"joined_at"`
	Position             int        `json:"position"`
	Status               Status     `json:"status"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
}

// View строит представление записи с оценкой ожидания для заданной длительности обслуживания.
func (e Entry) View(serviceMinutes int) EntryView {
	return EntryView{
		ID:                   e.ID,
		MemberID:             e.MemberID,
		DisplayName:          e.DisplayName,
		JoinedAt:             e.JoinedAt,
		Position:             e.Position,
		Status:               e.Status,
		CalledAt:             e.CalledAt,
		EstimatedWaitMinutes: EstimateWait(e.Position, serviceMinutes),
	}
}

// EstimateWait оценивает ожидание в минутах как позицию, умноженную на длительность
// обслуживания одного участника. Считается при чтении и не хранится.
func EstimateWait(position, serviceMinutes int) int {
	if position <= 0 || serviceMinutes <= 0 {
		return 0
	}
	return position * serviceMinutes
}

// Config: параметры очереди из справочника бизнесов и услуг.
type Config struct {
	ServiceMinutes int
	// Capacity == 0 означает очередь без ограничения.
	Capacity int
	// Open == false запрещает новые вступления (услуга не активна).
	Open bool
}
