package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"waitline/internal/models"
	"waitline/internal/queue"
)

// EntryStore хранит записи очередей в postgres. Apply идемпотентен:
// повторное применение того же изменения ничего не портит.
type EntryStore struct {
	db *gorm.DB
}

func NewEntryStore(db *gorm.DB) *EntryStore {
	return &EntryStore{db: db}
}

// Apply сохраняет одно изменение очереди в одной транзакции.
func (s *EntryStore) Apply(ctx context.Context, d queue.Delta) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch d.Type {
		case queue.MemberJoined:
			if d.Entry == nil {
				return errors.New("member-joined without entry")
			}
			row := entryRow(d.Key, *d.Entry, d.Token())
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return errors.Wrapf(err, "insert entry %s", row.ID)
			}
		case queue.MemberCalled:
			if d.Entry == nil {
				return errors.New("member-called without entry")
			}
			if err := tx.Model(&models.QueueEntry{}).
				Where("id = ? AND exited_at IS NULL", d.Entry.ID).
				Updates(map[string]interface{}{"status": string(queue.StatusCalled), "called_at": d.Entry.CalledAt}).Error; err != nil {
				return errors.Wrapf(err, "mark called %s", d.Entry.ID)
			}
		case queue.MemberLeft, queue.MemberCompleted:
			if d.Entry == nil {
				return errors.Errorf("%s without entry", d.Type)
			}
			if err := exit(tx, d.At, d.Entry.Status, d.Entry.ID); err != nil {
				return err
			}
		case queue.QueueClosed, queue.QueueRevalidated:
			if err := exitViews(tx, d.At, d.Removed); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown delta type %q", d.Type)
		}
		return shift(tx, d.Shifted)
	})
}

// LoadActive возвращает все активные записи, сгруппированные по очередям.
func (s *EntryStore) LoadActive(ctx context.Context) (map[queue.OwnerKey][]queue.Entry, error) {
	var rows []models.QueueEntry
	if err := s.db.WithContext(ctx).
		Where("exited_at IS NULL").
		Order("joined_at ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load active entries")
	}
	out := make(map[queue.OwnerKey][]queue.Entry)
	for _, row := range rows {
		key := queue.OwnerKey{BusinessID: row.BusinessID, ServiceID: row.ServiceID}
		out[key] = append(out[key], queue.Entry{
			ID:          row.ID,
			MemberID:    row.MemberID,
			DisplayName: row.DisplayName,
			JoinedAt:    row.JoinedAt,
			Position:    row.Position,
			Token:       row.Token,
			Status:      queue.Status(row.Status),
			CalledAt:    row.CalledAt,
		})
	}
	return out, nil
}

// MarkLeft закрывает записи, которые не удалось восстановить при старте.
func (s *EntryStore) MarkLeft(ctx context.Context, at time.Time, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return exit(s.db.WithContext(ctx), at, queue.StatusLeft, ids...)
}

func entryRow(key queue.OwnerKey, v queue.EntryView, token string) models.QueueEntry {
	return models.QueueEntry{
		ID:          v.ID,
		BusinessID:  key.BusinessID,
		ServiceID:   key.ServiceID,
		MemberID:    v.MemberID,
		DisplayName: v.DisplayName,
		Position:    v.Position,
		Status:      string(v.Status),
		Token:       token,
		JoinedAt:    v.JoinedAt,
		CalledAt:    v.CalledAt,
	}
}

func exit(tx *gorm.DB, at time.Time, status queue.Status, ids ...string) error {
	if err := tx.Model(&models.QueueEntry{}).
		Where("id IN ? AND exited_at IS NULL", ids).
		Updates(map[string]interface{}{
			"status":    string(status),
			"exited_at": at,
			"position":  0,
			"token":     "",
		}).Error; err != nil {
		return errors.Wrap(err, "mark entries exited")
	}
	return nil
}

func exitViews(tx *gorm.DB, at time.Time, views []queue.EntryView) error {
	byStatus := make(map[queue.Status][]string)
	for _, v := range views {
		st := v.Status
		if st.Active() {
			st = queue.StatusLeft
		}
		byStatus[st] = append(byStatus[st], v.ID)
	}
	for st, ids := range byStatus {
		if err := exit(tx, at, st, ids...); err != nil {
			return err
		}
	}
	return nil
}

func shift(tx *gorm.DB, changes []queue.PositionChange) error {
	for _, ch := range changes {
		if err := tx.Model(&models.QueueEntry{}).
			Where("id = ? AND exited_at IS NULL", ch.EntryID).
			Update("position", ch.To).Error; err != nil {
			return errors.Wrapf(err, "shift entry %s", ch.EntryID)
		}
	}
	return nil
}
