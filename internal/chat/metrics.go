package chat

import (
	"github.com/bhandras/chatsync/internal/actor"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the reconciler counter.
const (
	outcomeAppended     = "appended"
	outcomeConfirmed    = "confirmed"
	outcomeDuplicate    = "duplicate"
	outcomeForeign      = "foreign"
	outcomeSendFailure  = "send_failure"
	outcomeFetchFailure = "fetch_failure"
	outcomePoll         = "poll"
)

// Metrics exports reconciler counters to Prometheus.
type Metrics struct {
	messages *prometheus.CounterVec
	inputs   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "messages_total",
			Help:      "Reconciler outcomes by kind.",
		}, []string{"outcome"}),
		inputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "inputs_total",
			Help:      "Inputs processed by the reconciler loop.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.messages, m.inputs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// hooks feeds the counters from loop transitions.
func (m *Metrics) hooks() actor.Hooks[State] {
	if m == nil {
		return actor.Hooks[State]{}
	}
	return actor.Hooks[State]{
		OnInput: func(in actor.Input) {
			m.inputs.WithLabelValues(inputKind(in)).Inc()
		},
		OnTransition: func(prev, next State, _ actor.Input) {
			m.observe(prev.Stats, next.Stats)
		},
	}
}

func (m *Metrics) observe(prev, next Stats) {
	add := func(outcome string, before, after uint64) {
		if after > before {
			m.messages.WithLabelValues(outcome).Add(float64(after - before))
		}
	}
	add(outcomeAppended, prev.Appended, next.Appended)
	add(outcomeConfirmed, prev.Confirmed, next.Confirmed)
	add(outcomeDuplicate, prev.Duplicates, next.Duplicates)
	add(outcomeForeign, prev.Foreign, next.Foreign)
	add(outcomeSendFailure, prev.SendFailures, next.SendFailures)
	add(outcomeFetchFailure, prev.FetchFailures, next.FetchFailures)
	add(outcomePoll, prev.Polls, next.Polls)
}

func inputKind(in actor.Input) string {
	switch in.(type) {
	case cmdOpen:
		return "open"
	case cmdSend:
		return "send"
	case cmdRetry:
		return "retry"
	case cmdDiscard:
		return "discard"
	case cmdRefresh:
		return "refresh"
	case cmdLoadOlder:
		return "load_older"
	case cmdSnapshot:
		return "snapshot"
	case cmdClose:
		return "close"
	case evMessagePushed:
		return "push"
	case evPageFetched:
		return "page"
	case evSendSucceeded:
		return "send_ack"
	case evSendFailed:
		return "send_failed"
	case evIdentityResolved:
		return "identity"
	case evConnected, evDisconnected, evSubscribed:
		return "link"
	case evPollTick:
		return "poll_tick"
	default:
		return "other"
	}
}
