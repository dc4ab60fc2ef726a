package queue

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqTokens struct {
	n atomic.Int64
}

func (s *seqTokens) Issue(memberID uint) (string, error) {
	return fmt.Sprintf("tok-%d-%d", memberID, s.n.Add(1)), nil
}

func (s *seqTokens) Validate(stored, candidate string) bool {
	return stored != "" && stored == candidate
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type rejectingRecorder struct{}

func (rejectingRecorder) Record(Delta) bool { return false }

type capturingRecorder struct {
	mu     sync.Mutex
	deltas []Delta
}

func (r *capturingRecorder) Record(d Delta) bool {
	r.mu.Lock()
	r.deltas = append(r.deltas, d)
	r.mu.Unlock()
	return true
}

const minutes = 15

var openCfg = Config{ServiceMinutes: minutes, Open: true}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *MemoryIndex) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	index := NewMemoryIndex()
	base := []Option{WithLogger(logger), WithClock(clock.Now)}
	return NewEngine(NewRegistry(), index, &seqTokens{}, append(base, opts...)...), index
}

func member(id uint) Member {
	return Member{ID: id, DisplayName: fmt.Sprintf("Участник %d", id)}
}

func assertContiguous(t *testing.T, q *Queue) {
	t.Helper()
	snap := q.Snapshot()
	for i, e := range snap.Entries {
		assert.Equal(t, i+1, e.Position, "позиция записи %s", e.ID)
		assert.True(t, e.Status.Active())
		if i > 0 {
			assert.False(t, e.JoinedAt.Before(snap.Entries[i-1].JoinedAt))
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.NoError(t, q.check())
}

func TestJoinAssignsPositionsAndEstimates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	m1, d1, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Position)
	assert.Equal(t, StatusWaiting, m1.Status)
	assert.Equal(t, minutes, d1.Entry.EstimatedWaitMinutes)
	assert.Equal(t, MemberJoined, d1.Type)
	assert.Equal(t, "queue-1", d1.Topic)
	assert.Equal(t, m1.Token, d1.Token())

	m2, d2, err := e.Join(ctx, q, member(2))
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Position)
	assert.Equal(t, 2*minutes, d2.Entry.EstimatedWaitMinutes)
	assert.Equal(t, d1.Version+1, d2.Version)
	require.NotNil(t, d2.Snapshot)
	assert.Len(t, d2.Snapshot.Entries, 2)
	assertContiguous(t, q)
}

func TestLeaveShiftsEveryoneBehind(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	_, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(2))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(3))
	require.NoError(t, err)

	left, d, err := e.Leave(ctx, q, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusLeft, left.Status)
	assert.Equal(t, MemberLeft, d.Type)
	assert.Equal(t, []PositionChange{
		{EntryID: d.Snapshot.Entries[0].ID, MemberID: 2, From: 2, To: 1},
		{EntryID: d.Snapshot.Entries[1].ID, MemberID: 3, From: 3, To: 2},
	}, d.Shifted)

	view, ok := e.Position(q, 2)
	require.True(t, ok)
	assert.Equal(t, 1, view.Position)
	assert.Equal(t, minutes, view.EstimatedWaitMinutes)

	_, held := index.Holder(1, 1)
	assert.False(t, held, "резерв ушедшего участника должен сняться")
	assertContiguous(t, q)

	_, _, err = e.Leave(ctx, q, 1)
	assert.ErrorIs(t, err, ErrNotInQueue)
}

func TestCallNextKeepsCalledEntryInPlace(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	_, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	m2, _, err := e.Join(ctx, q, member(2))
	require.NoError(t, err)
	_, _, err = e.Leave(ctx, q, 1)
	require.NoError(t, err)

	res, d, err := e.CallNext(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.True(t, res.Fresh)
	assert.Equal(t, m2.ID, res.Entry.ID)
	assert.Equal(t, StatusCalled, res.Entry.Status)
	assert.Equal(t, 1, res.Entry.Position)
	assert.Equal(t, MemberCalled, d.Type)

	again, d2, err := e.CallNext(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, again.Entry)
	assert.False(t, again.Fresh)
	assert.Equal(t, m2.ID, again.Entry.ID)
	assert.Equal(t, minutes, again.View.EstimatedWaitMinutes)
	assert.True(t, d2.Empty())
	assert.Equal(t, 1, q.Len())
	assertContiguous(t, q)
}

func TestCallNextOnEmptyQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	res, d, err := e.CallNext(context.Background(), q)
	require.NoError(t, err)
	assert.Nil(t, res.Entry)
	assert.True(t, d.Empty())
}

func TestCallNextSkipsAlreadyCalled(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	for id := uint(1); id <= 3; id++ {
		_, _, err := e.Join(ctx, q, member(id))
		require.NoError(t, err)
	}
	first, _, err := e.CallNext(ctx, q)
	require.NoError(t, err)
	second, _, err := e.CallNext(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, uint(1), first.Entry.MemberID)
	assert.Equal(t, uint(2), second.Entry.MemberID)
	assert.Equal(t, 2, second.Entry.Position)
	assert.Equal(t, 2*minutes, second.View.EstimatedWaitMinutes)
	assert.Equal(t, StatusCalled, second.View.Status)
	assert.True(t, second.Fresh)
}

func TestCapacity(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1, ServiceID: 4}, Config{ServiceMinutes: 10, Capacity: 2, Open: true})

	_, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(2))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	_, held := index.Holder(1, 3)
	assert.False(t, held, "отказ по вместимости не должен оставлять резерв")
}

func TestSingleMembershipAcrossBusinessQueues(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	whole := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)
	haircut := e.Registry().Resolve(OwnerKey{BusinessID: 1, ServiceID: 2}, openCfg)
	other := e.Registry().Resolve(OwnerKey{BusinessID: 9}, openCfg)

	_, _, err := e.Join(ctx, whole, member(1))
	require.NoError(t, err)

	_, _, err = e.Join(ctx, whole, member(1))
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	_, _, err = e.Join(ctx, haircut, member(1))
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	_, _, err = e.Join(ctx, other, member(1))
	assert.NoError(t, err, "у другого бизнеса своя область уникальности")

	_, _, err = e.Leave(ctx, whole, 1)
	require.NoError(t, err)
	_, _, err = e.Join(ctx, haircut, member(1))
	assert.NoError(t, err)
}

func TestCompleteAndInvalidTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	m1, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	m2, _, err := e.Join(ctx, q, member(2))
	require.NoError(t, err)

	_, _, err = e.CallNext(ctx, q)
	require.NoError(t, err)
	done, d, err := e.Complete(ctx, q, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, MemberCompleted, d.Type)

	view, ok := e.Position(q, 2)
	require.True(t, ok)
	assert.Equal(t, 1, view.Position)

	_, _, err = e.Complete(ctx, q, m1.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	_, _, err = e.Complete(ctx, q, "no-such-entry")
	assert.ErrorIs(t, err, ErrNotInQueue)

	// Завершить можно и ожидающую запись без вызова.
	_, _, err = e.Complete(ctx, q, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestRemoveEntryByBusiness(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	m1, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(2))
	require.NoError(t, err)

	removed, d, err := e.RemoveEntry(ctx, q, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLeft, removed.Status)
	assert.Equal(t, MemberLeft, d.Type)
	_, held := index.Holder(1, 1)
	assert.False(t, held)
	assertContiguous(t, q)
}

func TestFIFOCallOrderDrainsQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	const n = 6
	for id := uint(1); id <= n; id++ {
		_, _, err := e.Join(ctx, q, member(id))
		require.NoError(t, err)
	}
	for want := uint(1); want <= n; want++ {
		res, _, err := e.CallNext(ctx, q)
		require.NoError(t, err)
		require.NotNil(t, res.Entry)
		assert.Equal(t, want, res.Entry.MemberID)
		assert.Equal(t, 1, res.Entry.Position)
		_, _, err = e.Complete(ctx, q, res.Entry.ID)
		require.NoError(t, err)
		assertContiguous(t, q)
	}
	assert.Equal(t, 0, q.Len())
}

func TestTokenLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	m1, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	assert.True(t, e.TokenValid(q, m1.ID, m1.Token))
	view, ok := e.FindByToken(q, m1.Token)
	require.True(t, ok)
	assert.Equal(t, m1.ID, view.ID)

	_, _, err = e.Leave(ctx, q, 1)
	require.NoError(t, err)
	assert.False(t, e.TokenValid(q, m1.ID, m1.Token))
	_, ok = e.FindByToken(q, m1.Token)
	assert.False(t, ok)

	m2, _, err := e.Join(ctx, q, member(2))
	require.NoError(t, err)
	assert.NotEqual(t, m1.Token, m2.Token)
	_, _, err = e.CallNext(ctx, q)
	require.NoError(t, err)
	_, _, err = e.Complete(ctx, q, m2.ID)
	require.NoError(t, err)
	assert.False(t, e.TokenValid(q, m2.ID, m2.Token))
}

func TestSnapshotIsStableWithoutMutation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)
	for id := uint(1); id <= 3; id++ {
		_, _, err := e.Join(ctx, q, member(id))
		require.NoError(t, err)
	}
	assert.Equal(t, q.Snapshot(), q.Snapshot())
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	key := OwnerKey{BusinessID: 3}
	q := e.Registry().Resolve(key, openCfg)
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		m := uint(rnd.Intn(25) + 1)
		switch rnd.Intn(4) {
		case 0, 1:
			_, _, err := e.Join(ctx, q, member(m))
			if err != nil {
				require.ErrorIs(t, err, ErrAlreadyQueued)
			}
		case 2:
			_, _, err := e.Leave(ctx, q, m)
			if err != nil {
				require.ErrorIs(t, err, ErrNotInQueue)
			}
		case 3:
			res, _, err := e.CallNext(ctx, q)
			require.NoError(t, err)
			if res.Entry != nil && rnd.Intn(2) == 0 {
				_, _, err = e.Complete(ctx, q, res.Entry.ID)
				require.NoError(t, err)
			}
		}
		assertContiguous(t, q)

		seen := map[uint]bool{}
		for _, entry := range q.Snapshot().Entries {
			require.False(t, seen[entry.MemberID], "участник %d стоит дважды", entry.MemberID)
			seen[entry.MemberID] = true
		}
	}
}

func TestCancelledJoinLeavesNothing(t *testing.T) {
	e, index := newTestEngine(t)
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := e.Join(ctx, q, member(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, 0, q.Len())
	_, held := index.Holder(1, 1)
	assert.False(t, held)
}

func TestRecorderBacklogRejectsMutation(t *testing.T) {
	e, index := newTestEngine(t, WithRecorder(rejectingRecorder{}))
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	_, _, err := e.Join(context.Background(), q, member(1))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.Snapshot().Version)
	_, held := index.Holder(1, 1)
	assert.False(t, held)
}

func TestRecorderSeesDeltasInOrder(t *testing.T) {
	rec := &capturingRecorder{}
	e, _ := newTestEngine(t, WithRecorder(rec))
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)

	m1, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(2))
	require.NoError(t, err)
	_, _, err = e.CallNext(ctx, q)
	require.NoError(t, err)
	_, _, err = e.Complete(ctx, q, m1.ID)
	require.NoError(t, err)

	require.Len(t, rec.deltas, 4)
	types := []DeltaType{MemberJoined, MemberJoined, MemberCalled, MemberCompleted}
	for i, d := range rec.deltas {
		assert.Equal(t, types[i], d.Type)
		assert.Equal(t, uint64(i+1), d.Version)
	}
	assert.NotEmpty(t, rec.deltas[0].Token())
	assert.Equal(t, []PositionChange{{EntryID: rec.deltas[1].Entry.ID, MemberID: 2, From: 2, To: 1}}, rec.deltas[3].Shifted)
}

func TestClosedQueueRejectsJoin(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	key := OwnerKey{BusinessID: 1, ServiceID: 5}
	q := e.Registry().Resolve(key, openCfg)

	_, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)
	_, _, err = e.Join(ctx, q, member(2))
	require.NoError(t, err)

	d, err := e.Close(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, QueueClosed, d.Type)
	assert.Len(t, d.Removed, 2)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Snapshot().Open)
	_, held := index.Holder(1, 1)
	assert.False(t, held)

	_, _, err = e.Join(ctx, q, member(3))
	assert.ErrorIs(t, err, ErrQueueClosed)

	again, err := e.Close(ctx, q)
	require.NoError(t, err)
	assert.True(t, again.Empty())

	e.Registry().Resolve(key, openCfg)
	_, _, err = e.Join(ctx, q, member(3))
	assert.NoError(t, err)
}

func TestVerifyRevalidatesCorruptedQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)
	for id := uint(1); id <= 3; id++ {
		_, _, err := e.Join(ctx, q, member(id))
		require.NoError(t, err)
	}

	q.mu.Lock()
	q.entries[0].Position = 2
	q.entries[2].Position = 7
	q.mu.Unlock()

	d, err := e.Verify(ctx, q)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, QueueRevalidated, d.Type)
	assert.Len(t, d.Shifted, 2)
	assertContiguous(t, q)

	d, err = e.Verify(ctx, q)
	assert.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestRestoreRebuildsOrderAndMembership(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	key := OwnerKey{BusinessID: 2}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{ID: "c", MemberID: 3, JoinedAt: base.Add(3 * time.Minute), Position: 5, Token: "t3", Status: StatusWaiting},
		{ID: "a", MemberID: 1, JoinedAt: base.Add(1 * time.Minute), Position: 1, Token: "t1", Status: StatusCalled},
		{ID: "b", MemberID: 2, JoinedAt: base.Add(2 * time.Minute), Position: 2, Token: "t2", Status: StatusWaiting},
		{ID: "dup", MemberID: 2, JoinedAt: base.Add(4 * time.Minute), Position: 4, Token: "t4", Status: StatusWaiting},
	}
	q, dropped, err := e.Restore(ctx, key, openCfg, entries)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, "dup", dropped[0].ID)

	snap := q.Snapshot()
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "a", snap.Entries[0].ID)
	assert.Equal(t, "c", snap.Entries[2].ID)
	assert.Equal(t, 3, snap.Entries[2].Position)
	assertContiguous(t, q)

	claim, held := index.Holder(2, 2)
	require.True(t, held)
	assert.Equal(t, "b", claim)

	located, ok := e.Registry().Locate("c")
	require.True(t, ok)
	assert.Equal(t, key, located.Key())

	// Новая запись встаёт после восстановленных, даже если часы отстают.
	m4, _, err := e.Join(ctx, q, member(4))
	require.NoError(t, err)
	assert.Equal(t, 4, m4.Position)
	assert.False(t, m4.JoinedAt.Before(base.Add(3*time.Minute)))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAlreadyQueued, KindOf(ErrAlreadyQueued))
	assert.Equal(t, KindUnavailable, KindOf(errors.Wrap(ErrUnavailable, "recorder")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRefreshKeepsReservations(t *testing.T) {
	e, index := newTestEngine(t)
	ctx := context.Background()
	q := e.Registry().Resolve(OwnerKey{BusinessID: 1}, openCfg)
	m1, _, err := e.Join(ctx, q, member(1))
	require.NoError(t, err)

	lost, err := e.Refresh(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 0, lost)
	claim, held := index.Holder(1, 1)
	require.True(t, held)
	assert.Equal(t, m1.ID, claim)

	// Резерв, перехваченный другой записью, считается потерянным.
	require.NoError(t, index.Release(ctx, 1, 1, m1.ID))
	ok, err := index.Reserve(ctx, 1, 1, "foreign")
	require.NoError(t, err)
	require.True(t, ok)
	lost, err = e.Refresh(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, lost)
}
