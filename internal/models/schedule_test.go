package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceStatusTransitions(t *testing.T) {
	assert.True(t, ServiceScheduled.CanMoveTo(ServiceActive))
	assert.True(t, ServiceActive.CanMoveTo(ServicePaused))
	assert.True(t, ServicePaused.CanMoveTo(ServiceActive))
	assert.True(t, ServicePaused.CanMoveTo(ServiceFinished))
	assert.False(t, ServiceActive.CanMoveTo(ServiceScheduled))
	assert.False(t, ServiceFinished.CanMoveTo(ServiceActive))
	assert.False(t, ServiceActive.CanMoveTo("archived"))
}

func TestDueStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	st, ok := Service{Status: ServiceScheduled, StartTime: &past, EndTime: &future}.DueStatus(now)
	assert.True(t, ok)
	assert.Equal(t, ServiceActive, st)

	st, ok = Service{Status: ServiceActive, StartTime: &past, EndTime: &past}.DueStatus(now)
	assert.True(t, ok)
	assert.Equal(t, ServiceFinished, st)

	_, ok = Service{Status: ServiceScheduled, StartTime: &future}.DueStatus(now)
	assert.False(t, ok)

	// Приостановленная услуга сама не активируется.
	_, ok = Service{Status: ServicePaused, StartTime: &past}.DueStatus(now)
	assert.False(t, ok)

	_, ok = Service{Status: ServiceFinished, EndTime: &past}.DueStatus(now)
	assert.False(t, ok)
}
