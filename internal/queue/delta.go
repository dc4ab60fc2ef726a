package queue

import "time"

// DeltaType: вид изменения состояния очереди.
type DeltaType string

const (
	MemberJoined     DeltaType = "member-joined"
	MemberLeft       DeltaType = "member-left"
	MemberCalled     DeltaType = "member-called"
	MemberCompleted  DeltaType = "member-completed"
	QueueClosed      DeltaType = "queue-closed"
	QueueRevalidated DeltaType = "queue-revalidated"
)

// PositionChange: сдвиг позиции записи, вызванный изменением перед ней.
type PositionChange struct {
	EntryID  string `json:"entry_id"`
	MemberID uint   `json:"member_id"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// Delta описывает одно изменение очереди. Version растёт на единицу с каждым
// изменением, по пропуску версии подписчик понимает, что нужно перечитать снимок.
type Delta struct {
	Type    DeltaType        `json:"type"`
	Topic   string           `json:"topic"`
	Key     OwnerKey         `json:"-"`
	Version uint64           `json:"version"`
	At      time.Time        `json:"at"`
	Entry   *EntryView       `json:"entry,omitempty"`
	Removed []EntryView      `json:"removed,omitempty"`
	Shifted []PositionChange `json:"shifted,omitempty"`
	// Snapshot заполняется после применения изменения.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	token string
}

// Token возвращает токен участника для member-joined. Для остальных изменений пуст.
func (d Delta) Token() string {
	return d.token
}

// Empty сообщает, что изменения не было.
func (d Delta) Empty() bool {
	return d.Type == ""
}

// Snapshot: полное состояние очереди на момент чтения.
type Snapshot struct {
	OwnerKey       string      `json:"owner_key"`
	Version        uint64      `json:"version"`
	Open           bool        `json:"open"`
	ServiceMinutes int         `json:"service_minutes"`
	Capacity       int         `json:"capacity,omitempty"`
	Entries        []EntryView `json:"entries"`
}

// Recorder принимает изменения для долговременного хранения в порядке их
// применения. Record не блокируется: false означает, что приёмник переполнен.
type Recorder interface {
	Record(Delta) bool
}

type nopRecorder struct{}

func (nopRecorder) Record(Delta) bool { return true }
