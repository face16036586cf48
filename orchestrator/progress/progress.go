// Package progress implements ProgressSink: the caller-facing, rate-limited
// event emitter described in spec §4.10. A Sink tracks per-stage totals and
// completions, rate-limits "step" events, and exposes cooperative
// cancellation via IsCancelled. beginStage/endStage* events are never
// dropped by the rate limiter.
package progress

import (
	"context"
	"sync"
	"time"
)

// Status enumerates the lifecycle states carried on the wire ProgressEvent,
// per spec §6.2.
type Status string

const (
	StatusBegin     Status = "begin"
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// protocolVersion is stamped on every emitted Event.
const protocolVersion = 1

// Event is the wire shape described in spec §6.2.
type Event struct {
	StageID         string         `json:"stageId"`
	Label           string         `json:"label"`
	Completed       int            `json:"completed"`
	Total           int            `json:"total"`
	Percent         int            `json:"percent"`
	Message         string         `json:"message"`
	Attrs           map[string]any `json:"attrs,omitempty"`
	Status          Status         `json:"status"`
	ProtocolVersion int            `json:"protocolVersion"`
}

// Transport delivers Events to a caller-facing channel (SSE, WebSocket,
// Pulse/NATS). Implementations must be safe for concurrent Send; the Sink
// itself already serializes calls into Transport with a mutex, but a
// Transport may be shared across concurrent Sinks (e.g. multiple in-flight
// requests multiplexed onto one NATS subject).
type Transport interface {
	Send(ctx context.Context, event Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, event Event) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }

// stageState tracks the rate-limiter bookkeeping for one active stage.
type stageState struct {
	label          string
	total          int
	completed      int
	lastCompleted  int
	lastEmit       time.Time
	firstEventSent bool
}

// Sink is the reentrancy-safe, rate-limited ProgressSink described in spec
// §4.10. Construct one with New: the zero value has no cancellation source
// and no stage map, so IsCancelled, BeginStage and Step panic on it.
type Sink struct {
	mu       sync.Mutex
	enabled  bool
	cancel   context.Context
	now      func() time.Time
	minInterval time.Duration
	minDelta    int
	transport   Transport
	stages      map[string]*stageState
}

// Options configures a Sink.
type Options struct {
	// Enabled mirrors Options.EnableProgress && ProgressToken != "" from
	// spec §4.10: "If enableProgress=false or no caller token, the sink is
	// a no-op (still exposes isCancelled)."
	Enabled bool
	// Cancel is the context whose cancellation IsCancelled observes.
	Cancel context.Context
	// MinInterval is the minimum wall-clock gap between consecutive "step"
	// events for the same stage.
	MinInterval time.Duration
	// MinDelta is the minimum completed-count delta that forces a "step"
	// event through even when MinInterval has not elapsed.
	MinDelta int
	// Transport receives every event that survives rate limiting. May be
	// nil, in which case events are tracked for bookkeeping but never
	// delivered anywhere (useful for tests asserting invariants without a
	// live transport).
	Transport Transport
	// Now overrides time.Now for deterministic tests. Defaults to time.Now.
	Now func() time.Time
}

// New constructs a Sink from Options.
func New(opts Options) *Sink {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cancel := opts.Cancel
	if cancel == nil {
		cancel = context.Background()
	}
	return &Sink{
		enabled:     opts.Enabled,
		cancel:      cancel,
		now:         now,
		minInterval: opts.MinInterval,
		minDelta:    opts.MinDelta,
		transport:   opts.Transport,
		stages:      make(map[string]*stageState),
	}
}

// IsCancelled reports whether the request's cancellation source has fired.
// This is exposed even when the sink is otherwise a no-op, per spec §4.10.
func (s *Sink) IsCancelled() bool {
	select {
	case <-s.cancel.Done():
		return true
	default:
		return false
	}
}

// BeginStage starts a new stage with the given total work units. Always
// emitted, never rate-limited.
func (s *Sink) BeginStage(ctx context.Context, id, label string, total int) {
	s.mu.Lock()
	s.stages[id] = &stageState{label: label, total: total}
	s.mu.Unlock()
	s.emit(ctx, Event{
		StageID: id, Label: label, Completed: 0, Total: total,
		Percent: percent(0, total), Status: StatusBegin, ProtocolVersion: protocolVersion,
	})
}

// Step reports progress within an active stage. Subject to rate limiting:
// the event is delivered iff this is the stage's first step event, or
// (now-lastEmit >= MinInterval) OR (completed-lastCompleted >= MinDelta).
func (s *Sink) Step(ctx context.Context, id string, completed int, message string, attrs map[string]any) {
	s.mu.Lock()
	st, ok := s.stages[id]
	if !ok {
		st = &stageState{}
		s.stages[id] = st
	}
	st.completed = completed
	allow := !st.firstEventSent
	now := s.now()
	if !allow {
		elapsed := now.Sub(st.lastEmit)
		delta := completed - st.lastCompleted
		allow = elapsed >= s.minInterval || delta >= s.minDelta
	}
	if allow {
		st.firstEventSent = true
		st.lastEmit = now
		st.lastCompleted = completed
	}
	total := st.total
	s.mu.Unlock()

	if !allow {
		return
	}
	s.emit(ctx, Event{
		StageID: id, Label: st.label, Completed: completed, Total: total,
		Percent: percent(completed, total), Message: message, Attrs: attrs,
		Status: StatusRunning, ProtocolVersion: protocolVersion,
	})
}

// EndStageOk closes a stage successfully. Always emitted.
func (s *Sink) EndStageOk(ctx context.Context, id string, attrs map[string]any) {
	s.endStage(ctx, id, StatusOK, "", attrs)
}

// EndStageError closes a stage with a failure summary. Always emitted.
func (s *Sink) EndStageError(ctx context.Context, id, errorSummary string, attrs map[string]any) {
	s.endStage(ctx, id, StatusError, errorSummary, attrs)
}

// EndStageCancelled closes a stage because cancellation was observed.
// Always emitted.
func (s *Sink) EndStageCancelled(ctx context.Context, id string, attrs map[string]any) {
	s.endStage(ctx, id, StatusCancelled, "", attrs)
}

func (s *Sink) endStage(ctx context.Context, id string, status Status, message string, attrs map[string]any) {
	s.mu.Lock()
	st, ok := s.stages[id]
	if !ok {
		st = &stageState{}
	}
	completed, total, label := st.completed, st.total, st.label
	s.mu.Unlock()

	s.emit(ctx, Event{
		StageID: id, Label: label, Completed: completed, Total: total,
		Percent: percent(completed, total), Message: message, Attrs: attrs,
		Status: status, ProtocolVersion: protocolVersion,
	})
	_ = ok
}

// emit delivers an event to the transport if the sink is enabled and a
// transport was configured. Errors from the transport are swallowed: per
// spec, progress delivery failures must never fail the underlying
// orchestration.
func (s *Sink) emit(ctx context.Context, evt Event) {
	if !s.enabled || s.transport == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.transport.Send(ctx, evt)
}

func percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := completed * 100 / total
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
