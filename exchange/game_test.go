package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawThreeNamesPartialDelivery(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B", "C"})
	tg.enrollAll(t)
	tg.transport.setUnreachable("u-B", "u-C")

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)

	report, err := tg.finish(t, d)
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{Sent: 1, Failed: 2}, report)

	doc := tg.doc(t)
	assert.Equal(t, StateDone, doc.Draw.State)
	assert.False(t, doc.Draw.Guarded())
	assert.NotNil(t, doc.DrawnAt)
	assert.Equal(t, &report, doc.LastDelivery)
	assert.Contains(t, []map[string]string{
		{"A": "B", "B": "C", "C": "A"},
		{"A": "C", "B": "A", "C": "B"},
	}, doc.Assignments)

	msg, ok := tg.transport.privateMessage("u-A")
	require.True(t, ok)
	assert.Equal(t, "A", msg.Giver)
	assert.Equal(t, doc.Assignments["A"], msg.Receiver)

	completed := tg.events.ofType(EventDrawCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, &report, completed[0].Report)
	assert.False(t, tg.Drawing())
}

func TestCountdownTicksBeforeGenerating(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B"})
	tg.enrollAll(t)

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)

	for tick := 1; tick <= DefaultCountdownTicks; tick++ {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, tg.clock.BlockUntilContext(waitCtx, 1))
		cancel()

		doc := tg.doc(t)
		assert.Equal(t, StateCountingDown, doc.Draw.State, "tick %d", tick)
		assert.False(t, doc.HasAssignments())

		tg.clock.Advance(DefaultTickInterval)
	}

	_, err = d.Wait(ctx)
	require.NoError(t, err)

	countdown := tg.events.ofType(EventCountdown)
	require.Len(t, countdown, DefaultCountdownTicks)
	for i, e := range countdown {
		assert.Equal(t, DefaultCountdownTicks-i, e.Remaining)
	}
}

func TestStartRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not ready", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B", "C"})
		_, err := tg.Claim(ctx, "u-A", "A")
		require.NoError(t, err)

		_, err = tg.Start(ctx, "u-A")
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, StateIdle, tg.doc(t).Draw.State)
	})

	t.Run("requester not enrolled", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		tg.enrollAll(t)

		_, err := tg.Start(ctx, "stranger")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("already done", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		tg.enrollAll(t)
		d, err := tg.Start(ctx, "u-A")
		require.NoError(t, err)
		_, err = tg.finish(t, d)
		require.NoError(t, err)

		_, err = tg.Start(ctx, "u-A")
		assert.ErrorIs(t, err, ErrDrawClosed)
		assert.Equal(t, KindState, KindOf(err))
	})
}

func TestOperationsRejectedWhileDrawing(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B", "C"})
	tg.enrollAll(t)

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)

	_, err = tg.Claim(ctx, "late", "A")
	assert.ErrorIs(t, err, ErrDrawBusy)

	_, err = tg.Start(ctx, "u-B")
	assert.ErrorIs(t, err, ErrDrawBusy)

	_, err = tg.Reveal(ctx, "u-A")
	assert.ErrorIs(t, err, ErrNotDrawn)

	_, err = tg.finish(t, d)
	require.NoError(t, err)

	_, err = tg.Claim(ctx, "late", "A")
	assert.ErrorIs(t, err, ErrDrawClosed)
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B", "C", "D"})
	tg.enrollAll(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		draws []*Draw
		busy  int
	)
	for _, name := range tg.roster {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := tg.Start(ctx, "u-"+name)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				draws = append(draws, d)
				return
			}
			if assert.ErrorIs(t, err, ErrDrawBusy) {
				busy++
			}
		}()
	}
	wg.Wait()

	require.Len(t, draws, 1)
	assert.Equal(t, len(tg.roster)-1, busy)

	_, err := tg.finish(t, draws[0])
	require.NoError(t, err)
	assert.Len(t, tg.events.ofType(EventDrawStarted), 1)
}

func TestReset(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		_, err := tg.Claim(ctx, "u-A", "A")
		require.NoError(t, err)

		require.NoError(t, tg.Reset(ctx, "u-A"))
		assert.Empty(t, tg.doc(t).Enrollment)
		assert.Len(t, tg.events.ofType(EventReset), 1)
	})

	t.Run("counting down", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		tg.enrollAll(t)
		d, err := tg.Start(ctx, "u-A")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, tg.clock.BlockUntilContext(waitCtx, 1))

		require.NoError(t, tg.Reset(ctx, "u-A"))

		_, err = d.Wait(waitCtx)
		assert.ErrorIs(t, err, ErrAborted)

		doc := tg.doc(t)
		assert.Equal(t, StateIdle, doc.Draw.State)
		assert.False(t, doc.Draw.Guarded())
		assert.Empty(t, doc.Enrollment)
		assert.False(t, doc.HasAssignments())
		assert.False(t, tg.Drawing())
		assert.Len(t, tg.events.ofType(EventDrawAborted), 1)
	})

	t.Run("done", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		tg.enrollAll(t)
		d, err := tg.Start(ctx, "u-A")
		require.NoError(t, err)
		_, err = tg.finish(t, d)
		require.NoError(t, err)

		before := tg.doc(t)
		for _, requester := range []string{"u-A", "u-B"} {
			assert.ErrorIs(t, tg.Reset(ctx, requester), ErrUnauthorized)
		}

		doc := tg.doc(t)
		assert.Equal(t, StateDone, doc.Draw.State)
		assert.Equal(t, before.Assignments, doc.Assignments)
		assert.Equal(t, before.DrawnAt, doc.DrawnAt)
		assert.Len(t, doc.Enrollment, 2)
		assert.Empty(t, tg.events.ofType(EventReset))
	})

	t.Run("unauthorized", func(t *testing.T) {
		tg := newTestGame(t, []string{"A", "B"})
		_, err := tg.Claim(ctx, "u-A", "A")
		require.NoError(t, err)

		assert.ErrorIs(t, tg.Reset(ctx, "stranger"), ErrUnauthorized)
		assert.Len(t, tg.doc(t).Enrollment, 1)
	})
}

func TestExhaustionReleasesGuard(t *testing.T) {
	ctx := context.Background()
	rng := &countingShuffler{}
	tg := newTestGame(t, []string{"A", "B", "C"}, func(o *Options) { o.Rand = rng })
	tg.enrollAll(t)

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)

	_, err = tg.finish(t, d)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, MaxShuffleAttempts, rng.calls)

	doc := tg.doc(t)
	assert.Equal(t, StateIdle, doc.Draw.State)
	assert.False(t, doc.Draw.Guarded())
	assert.False(t, doc.HasAssignments())
	assert.Len(t, doc.Enrollment, 3)
	assert.False(t, tg.Drawing())

	aborted := tg.events.ofType(EventDrawAborted)
	require.Len(t, aborted, 1)
	assert.Equal(t, CodeExhausted, aborted[0].Reason)

	_, err = tg.Start(ctx, "u-A")
	assert.NoError(t, err)
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	tg := newTestGame(t, []string{"A", "B"}, func(o *Options) { o.Store = store })

	store.setFailing(true)
	_, err := tg.Claim(ctx, "u-A", "A")
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Equal(t, CodePersistence, CodeOf(err))

	store.setFailing(false)
	assert.Empty(t, tg.doc(t).Enrollment)

	n, err := tg.Claim(ctx, "u-A", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStaleGuardIsReleased(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	stale := NewDocument([]string{"A", "B"})
	stale.Enrollment = map[string]string{"u-A": "A", "u-B": "B"}
	stale.Draw = DrawStatus{State: StateRunning, Owner: "crashed-process"}
	require.NoError(t, store.CompareAndSwap(ctx, "test", stale))

	tg := newTestGame(t, []string{"A", "B"}, func(o *Options) { o.Store = store })
	require.NoError(t, tg.Recover(ctx))

	stored, err := store.Load(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, stored.Draw.State)
	assert.False(t, stored.Draw.Guarded())
	assert.Len(t, stored.Enrollment, 2)

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)
	_, err = tg.finish(t, d)
	assert.NoError(t, err)
}

func TestOrganizer(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B"}, func(o *Options) { o.OrganizerSecret = "hunter2" })

	assert.ErrorIs(t, tg.ClaimOrganizer(ctx, "boss", "wrong"), ErrUnauthorized)
	require.NoError(t, tg.ClaimOrganizer(ctx, "boss", "hunter2"))
	require.NoError(t, tg.ClaimOrganizer(ctx, "boss", "hunter2"))
	assert.ErrorIs(t, tg.ClaimOrganizer(ctx, "rival", "hunter2"), ErrOrganizerTaken)

	_, err := tg.Claim(ctx, "boss", "A")
	assert.ErrorIs(t, err, ErrOrganizerCannotEnroll)

	tg.enrollAll(t)

	_, err = tg.Start(ctx, "u-A")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, tg.Reset(ctx, "u-A"), ErrUnauthorized)

	d, err := tg.Start(ctx, "boss")
	require.NoError(t, err)
	report, err := tg.finish(t, d)
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{Sent: 2}, report)

	_, ok := tg.transport.privateMessage("boss")
	assert.False(t, ok)

	require.NoError(t, tg.Reset(ctx, "boss"))
	doc := tg.doc(t)
	assert.Equal(t, "boss", doc.Organizer)
	assert.Equal(t, StateIdle, doc.Draw.State)
	assert.False(t, doc.HasAssignments())
	assert.Nil(t, doc.DrawnAt)
	assert.Nil(t, doc.LastDelivery)
	assert.Empty(t, doc.Enrollment)
}

func TestOrganizerDisabled(t *testing.T) {
	tg := newTestGame(t, []string{"A", "B"})
	assert.ErrorIs(t, tg.ClaimOrganizer(context.Background(), "boss", ""), ErrUnauthorized)
}

func TestEnrolledIdentityCannotOrganize(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B"}, func(o *Options) { o.OrganizerSecret = "s" })
	_, err := tg.Claim(ctx, "u-A", "A")
	require.NoError(t, err)

	assert.ErrorIs(t, tg.ClaimOrganizer(ctx, "u-A", "s"), ErrAlreadyClaimed)
}

func TestReveal(t *testing.T) {
	ctx := context.Background()
	tg := newTestGame(t, []string{"A", "B"}, func(o *Options) {
		o.EventDate = "2026-12-24"
		o.Budget = "$20"
	})
	tg.enrollAll(t)

	_, err := tg.Reveal(ctx, "u-A")
	assert.ErrorIs(t, err, ErrNotDrawn)

	_, err = tg.Run(runWithClock(t, tg), "u-A")
	require.NoError(t, err)

	msg, err := tg.Reveal(ctx, "u-A")
	require.NoError(t, err)
	assert.Equal(t, AssignmentMessage{Giver: "A", Receiver: "B", EventDate: "2026-12-24", Budget: "$20"}, msg)

	_, err = tg.Reveal(ctx, "stranger")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

// runWithClock keeps advancing the fake clock in the background until the
// test ends, so blocking calls like Run can complete.
func runWithClock(t *testing.T, tg *testGame) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Millisecond)
			_ = tg.clock.BlockUntilContext(waitCtx, 1)
			waitCancel()
			if ctx.Err() != nil {
				return
			}
			tg.clock.Advance(DefaultTickInterval)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return context.Background()
}

func TestNewGameValidates(t *testing.T) {
	_, err := NewGame(Options{GameID: "g", Roster: []string{"solo"}, Store: NewMemoryStore(), Transport: newFakeTransport()})
	assert.Equal(t, CodeInvalidRoster, CodeOf(err))

	_, err = NewGame(Options{Roster: []string{"A", "B"}, Store: NewMemoryStore(), Transport: newFakeTransport()})
	assert.Error(t, err)

	_, err = NewGame(Options{GameID: "g", Roster: []string{"A", "B"}})
	assert.Error(t, err)
}

func TestDrawRefreshesThroughRefresher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg := newTestGame(t, []string{"A", "B"})
	tg.enrollAll(t)

	for _, identity := range []string{"u-A", "u-B"} {
		_, err := tg.Open(ctx, identity)
		require.NoError(t, err)
	}

	tg.transport.mu.Lock()
	edits := tg.transport.edits
	tg.transport.mu.Unlock()

	d, err := tg.Start(ctx, "u-A")
	require.NoError(t, err)
	_, err = tg.finish(t, d)
	require.NoError(t, err)

	tg.transport.mu.Lock()
	assert.Equal(t, edits, tg.transport.edits, "panels are only pushed by the refresher")
	tg.transport.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tg.RunRefresher(ctx)
	}()

	for _, identity := range []string{"u-A", "u-B"} {
		assert.Eventually(t, func() bool {
			p, ok := tg.transport.panel(identity)
			return ok && p.State == StateDone && p.Delivery != nil
		}, 5*time.Second, 10*time.Millisecond)
	}

	cancel()
	<-done
}
