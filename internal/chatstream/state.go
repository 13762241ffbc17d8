package chatstream

import "growthscript/internal/metrics"

type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request-sent"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// exchange guards the callback contract for a single Stream call: no data
// after a terminal state and exactly one terminal callback.
type exchange struct {
	state   State
	cb      Callbacks
	metrics *metrics.Metrics
}

func (e *exchange) transition(to State) {
	if e.state.Terminal() {
		return
	}
	e.state = to
}

func (e *exchange) emit(fragment string) {
	if fragment == "" || e.state.Terminal() {
		return
	}
	e.state = StateStreaming
	e.metrics.ChatFragments.Inc()
	if e.cb.OnData != nil {
		e.cb.OnData(fragment)
	}
}

func (e *exchange) complete() {
	if e.state.Terminal() {
		return
	}
	e.state = StateCompleted
	if e.cb.OnComplete != nil {
		e.cb.OnComplete()
	}
}

func (e *exchange) fail(err error) error {
	if e.state.Terminal() {
		return err
	}
	e.state = StateFailed
	e.metrics.ChatStreamFailures.WithLabelValues(KindLabel(err)).Inc()
	if e.cb.OnError != nil {
		e.cb.OnError(err)
	}
	return err
}
