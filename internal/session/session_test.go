package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, r *Registry, connID string) (*Session, string) {
	t.Helper()
	r.Create(connID)
	s, started := r.Start(connID)
	require.True(t, started)
	id, ok := s.ActiveID()
	require.True(t, ok)
	return s, id
}

func TestHistory_BoundedRing(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Push(fmt.Sprintf("l%d", i))
		assert.LessOrEqual(t, h.Len(), 3)
	}

	assert.Equal(t, []string{"l2", "l3", "l4"}, h.Values())
	assert.Equal(t, []string{"l3", "l4"}, h.Tail(2))
	assert.Equal(t, []string{"l2", "l3", "l4"}, h.Tail(10))

	h.Reset()
	assert.Empty(t, h.Values())
}

func TestSmoother_PassThroughUntilMinSamples(t *testing.T) {
	s := NewSmoother(10, 5)
	for _, label := range []string{"happy", "happy", "sad", "sad"} {
		assert.Equal(t, label, s.Smooth(label))
	}
	// 第5个样本起进入多数投票：happy 与 sad 平票，取先出现的 happy
	assert.Equal(t, "happy", s.Smooth("angry"))
	assert.Equal(t, "sad", s.Smooth("sad"))
}

func TestMajority_TieBreaksOnFirstSeen(t *testing.T) {
	assert.Equal(t, "b", Majority([]string{"b", "a", "a", "b"}))
	assert.Equal(t, "a", Majority([]string{"a", "b", "c"}))
	assert.Equal(t, "", Majority(nil))
}

func TestSession_TrendScenario(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, id := startSession(t, r, "conn-1")

	var update FrameUpdate
	for i := 0; i < 4; i++ {
		var ok bool
		update, ok = s.Record(id, Observation{Emotion: "happy", Posture: "Upright"}, time.Now())
		require.True(t, ok)
	}
	assert.Equal(t, []string{"happy", "happy", "happy", "happy"}, s.Snapshot().EmotionHistory)
	assert.Equal(t, map[string]float64{"happy": 100.0}, update.Trend)

	update, ok := s.Record(id, Observation{Emotion: "sad", Posture: "Upright"}, time.Now())
	require.True(t, ok)
	assert.Len(t, s.Snapshot().EmotionHistory, 5)
	assert.Equal(t, map[string]float64{"happy": 80.0, "sad": 20.0}, update.Trend)
}

func TestSession_HistoriesNeverExceedCapacity(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, id := startSession(t, r, "conn-1")

	for i := 0; i < 350; i++ {
		_, ok := s.Record(id, Observation{Emotion: fmt.Sprintf("e%d", i%7), Posture: "Upright"}, time.Now())
		require.True(t, ok)

		snap := s.Snapshot()
		require.LessOrEqual(t, len(snap.EmotionHistory), DefaultHistoryCapacity)
		require.LessOrEqual(t, len(snap.PostureHistory), DefaultHistoryCapacity)
	}
	assert.Equal(t, 350, s.Snapshot().FrameCount)
}

func TestSession_SkipEmotionStillCountsFrameAndPosture(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, id := startSession(t, r, "conn-1")

	update, ok := s.Record(id, Observation{Emotion: "Uncertain", SkipEmote: true, Posture: "Slouching"}, time.Now())
	require.True(t, ok)

	snap := s.Snapshot()
	assert.Equal(t, "Uncertain", update.Emotion)
	assert.Empty(t, snap.EmotionHistory)
	assert.Equal(t, []string{"Slouching"}, snap.PostureHistory)
	assert.Equal(t, 1, snap.FrameCount)
}

func TestSession_AutoEndOnSustainedNoSignal(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, id := startSession(t, r, "conn-1")

	for i := 1; i <= DefaultNoSignalWindow; i++ {
		update, ok := s.Record(id, Observation{NoSignal: true, Posture: NoSignalPosture}, time.Now())
		require.True(t, ok)
		if i < DefaultNoSignalWindow {
			require.False(t, update.AutoEnded, "frame %d", i)
			continue
		}
		require.True(t, update.AutoEnded)
		assert.Equal(t, StateEnded, update.Final.State)

		sum := Summarize(update.Final, update.Final.EndTime)
		assert.Equal(t, NoSignalEmotion, sum.DominantEmotion)
	}

	_, ok := s.Record(id, Observation{Emotion: "happy"}, time.Now())
	assert.False(t, ok, "ended session must not accept frames")
	assert.Equal(t, StateEnded, s.State())
}

func TestSession_NoSignalInterruptedDoesNotEnd(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, id := startSession(t, r, "conn-1")

	for i := 0; i < 2*DefaultNoSignalWindow; i++ {
		obs := Observation{NoSignal: true}
		if i%DefaultNoSignalWindow == DefaultNoSignalWindow-2 {
			obs = Observation{Emotion: "calm"}
		}
		update, ok := s.Record(id, obs, time.Now())
		require.True(t, ok)
		require.False(t, update.AutoEnded)
	}
}

func TestSession_EndTwiceIsNoop(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	s, _ := startSession(t, r, "conn-1")

	_, ended := s.End(time.Now())
	assert.True(t, ended)
	_, ended = s.End(time.Now())
	assert.False(t, ended)
}

func TestRegistry_RestartProducesNewSession(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	first, firstID := startSession(t, r, "conn-1")

	_, ok := first.Record(firstID, Observation{Emotion: "happy"}, time.Now())
	require.True(t, ok)

	// Active 时再次开始是 no-op
	same, started := r.Start("conn-1")
	assert.False(t, started)
	assert.Same(t, first, same)

	_, ended := first.End(time.Now())
	require.True(t, ended)

	second, started := r.Start("conn-1")
	require.True(t, started)
	assert.NotSame(t, first, second)

	snap := second.Snapshot()
	assert.NotEqual(t, firstID, snap.ID)
	assert.Empty(t, snap.EmotionHistory)
	assert.Equal(t, 0, snap.FrameCount)
	assert.Equal(t, StateEnded, first.State(), "old session is never resurrected")

	_, ok = second.Record(firstID, Observation{Emotion: "sad"}, time.Now())
	assert.False(t, ok, "frame tagged with the previous id is dropped")
}

func TestRegistry_StartWithoutEntryCreatesSession(t *testing.T) {
	r := NewRegistry(DefaultOptions())

	s, started := r.Start("ghost")
	require.True(t, started)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CreateReplacesResidualEntry(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	old, _ := startSession(t, r, "conn-1")

	fresh := r.Create("conn-1")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, StateIdle, fresh.State())

	got, err := r.Get("conn-1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)

	r.Remove("conn-1")
	_, err = r.Get("conn-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConcurrentSessionsDoNotLeak(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	labels := map[string]string{"conn-a": "happy", "conn-b": "sad"}

	var wg sync.WaitGroup
	for connID, label := range labels {
		wg.Add(1)
		go func(connID, label string) {
			defer wg.Done()
			r.Create(connID)
			s, _ := r.Start(connID)
			id, _ := s.ActiveID()
			for i := 0; i < 200; i++ {
				s.Record(id, Observation{Emotion: label, Posture: "Upright"}, time.Now())
			}
		}(connID, label)
	}
	wg.Wait()

	for connID, label := range labels {
		s, err := r.Get(connID)
		require.NoError(t, err)
		for _, got := range s.Snapshot().EmotionHistory {
			require.Equal(t, label, got)
		}
	}
}

func TestReaper_SweepRemovesOnlyStaleEnded(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	reaper := NewReaper(r, time.Minute, 300*time.Second)

	now := time.Now()
	stale, _ := startSession(t, r, "stale")
	fresh, _ := startSession(t, r, "fresh")
	startSession(t, r, "active")
	r.Create("idle")

	stale.End(now.Add(-301 * time.Second))
	fresh.End(now.Add(-10 * time.Second))

	var reaped []string
	reaper.OnReap = func(connID, _ string) { reaped = append(reaped, connID) }

	removed := reaper.Sweep(now)
	assert.Equal(t, []string{"stale"}, removed)
	assert.Equal(t, []string{"stale"}, reaped)

	ids := map[string]bool{}
	for _, snap := range r.Snapshots() {
		ids[snap.ConnID] = true
	}
	assert.Equal(t, map[string]bool{"fresh": true, "active": true, "idle": true}, ids)
}

func TestReaper_StartStop(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	reaper := NewReaper(r, 20*time.Millisecond, time.Millisecond)

	s, _ := startSession(t, r, "conn-1")
	s.End(time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reaper.Start(ctx)
	defer reaper.Stop()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestReaper_StopWithoutStart(t *testing.T) {
	reaper := NewReaper(NewRegistry(DefaultOptions()), 0, 0)
	assert.Equal(t, DefaultReapInterval, reaper.Interval())
	assert.Equal(t, DefaultReapTimeout, reaper.Timeout())
	reaper.Stop()
}

func TestReaper_ConcurrentWithStartEnd(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	reaper := NewReaper(r, time.Minute, time.Nanosecond)

	const (
		conns  = 8
		cycles = 500
	)
	var (
		wg       sync.WaitGroup
		lost     atomic.Int64
		rejected atomic.Int64
		stop     = make(chan struct{})
		sweeps   = make(chan struct{})
	)

	// 所有 Ended 会话都视为超时，尽可能与 Start/End 交错
	go func() {
		defer close(sweeps)
		for {
			select {
			case <-stop:
				return
			default:
				reaper.Sweep(time.Now().Add(time.Hour))
			}
		}
	}()

	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for c := 0; c < cycles; c++ {
				s, _ := r.Start(connID)
				id, ok := s.ActiveID()
				if !ok {
					rejected.Add(1)
					continue
				}
				if _, ok := s.Record(id, Observation{Emotion: "happy", Posture: "Upright"}, time.Now()); !ok {
					rejected.Add(1)
				}
				if got, err := r.Get(connID); err != nil || got != s {
					lost.Add(1)
				}
				if _, ok := s.End(time.Now()); !ok {
					rejected.Add(1)
				}
			}
		}(fmt.Sprintf("conn-%d", i))
	}
	wg.Wait()
	close(stop)
	<-sweeps

	assert.Zero(t, lost.Load(), "an active session was reaped")
	assert.Zero(t, rejected.Load(), "a started session was ended or rejected by someone else")

	reaper.Sweep(time.Now().Add(time.Hour))
	assert.Zero(t, r.Len())
}
