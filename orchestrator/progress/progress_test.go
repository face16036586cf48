package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	events []Event
}

func (r *recordingTransport) Send(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestSink_BeginAndEndStageNeverDropped(t *testing.T) {
	rec := &recordingTransport{}
	sink := New(Options{Enabled: true, MinInterval: time.Hour, MinDelta: 1000, Transport: rec})

	sink.BeginStage(context.Background(), "plan", "Plan", 2)
	sink.Step(context.Background(), "plan", 1, "first", nil)
	sink.Step(context.Background(), "plan", 1, "should be rate-limited", nil)
	sink.EndStageOk(context.Background(), "plan", nil)

	require.Len(t, rec.events, 3) // begin, first step (always allowed), end
	require.Equal(t, StatusBegin, rec.events[0].Status)
	require.Equal(t, StatusRunning, rec.events[1].Status)
	require.Equal(t, StatusOK, rec.events[2].Status)
}

func TestSink_RateLimitByInterval(t *testing.T) {
	rec := &recordingTransport{}
	now := time.Now()
	clock := func() time.Time { return now }
	sink := New(Options{Enabled: true, MinInterval: 300 * time.Millisecond, MinDelta: 1000, Transport: rec, Now: clock})

	sink.BeginStage(context.Background(), "exec", "Exec", 5)
	sink.Step(context.Background(), "exec", 1, "a", nil) // first event, always passes
	sink.Step(context.Background(), "exec", 2, "b", nil) // too soon, dropped
	now = now.Add(301 * time.Millisecond)
	sink.Step(context.Background(), "exec", 3, "c", nil) // interval satisfied

	var steps []Event
	for _, e := range rec.events {
		if e.Status == StatusRunning {
			steps = append(steps, e)
		}
	}
	require.Len(t, steps, 2)
	require.Equal(t, 1, steps[0].Completed)
	require.Equal(t, 3, steps[1].Completed)
}

func TestSink_RateLimitByDelta(t *testing.T) {
	rec := &recordingTransport{}
	now := time.Now()
	clock := func() time.Time { return now }
	sink := New(Options{Enabled: true, MinInterval: time.Hour, MinDelta: 2, Transport: rec, Now: clock})

	sink.BeginStage(context.Background(), "exec", "Exec", 10)
	sink.Step(context.Background(), "exec", 1, "a", nil) // first, passes
	sink.Step(context.Background(), "exec", 2, "b", nil) // delta=1 < 2, dropped
	sink.Step(context.Background(), "exec", 3, "c", nil) // delta=2 since last emit, passes

	var steps []Event
	for _, e := range rec.events {
		if e.Status == StatusRunning {
			steps = append(steps, e)
		}
	}
	require.Len(t, steps, 2)
	require.Equal(t, []int{1, 3}, []int{steps[0].Completed, steps[1].Completed})
}

func TestSink_Disabled(t *testing.T) {
	rec := &recordingTransport{}
	sink := New(Options{Enabled: false, Transport: rec})
	sink.BeginStage(context.Background(), "extract", "Extract", 1)
	sink.Step(context.Background(), "extract", 1, "x", nil)
	sink.EndStageOk(context.Background(), "extract", nil)
	require.Empty(t, rec.events)
}

func TestSink_IsCancelledObservesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := New(Options{Enabled: false, Cancel: ctx})
	require.False(t, sink.IsCancelled())
	cancel()
	require.True(t, sink.IsCancelled())
}

func TestSink_MonotonicPercent(t *testing.T) {
	rec := &recordingTransport{}
	sink := New(Options{Enabled: true, Transport: rec})
	sink.BeginStage(context.Background(), "exec", "Exec", 4)
	sink.Step(context.Background(), "exec", 2, "", nil)
	sink.Step(context.Background(), "exec", 4, "", nil)

	require.Equal(t, 0, rec.events[0].Percent)
	require.Equal(t, 50, rec.events[1].Percent)
	require.Equal(t, 100, rec.events[2].Percent)
}
