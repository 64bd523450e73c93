package actor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/chatsync/internal/actor"
	"github.com/bhandras/chatsync/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	actor.InputBase
	n int
}

type testEffect struct {
	actor.EffectBase
	n int
}

func sumReducer(state int, input actor.Input) (int, []actor.Effect) {
	ev, ok := input.(testEvent)
	if !ok {
		return state, nil
	}
	return state + ev.n, []actor.Effect{testEffect{n: ev.n}}
}

func TestActorProcessesInputsSequentially(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](context.Background(), 0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	for i := 1; i <= 5; i++ {
		require.True(t, a.Enqueue(testEvent{n: i}), "enqueue %d", i)
	}

	require.Eventually(t, func() bool {
		return a.State() == 15
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(rt.Effects()) == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActorRuntimeEmitsFollowUps(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{
		EmitFn: func(_ context.Context, eff actor.Effect, emit func(actor.Input)) {
			if e, ok := eff.(testEffect); ok && e.n == 1 {
				emit(testEvent{n: 10})
			}
		},
	}
	a := actor.New[int](context.Background(), 0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	require.True(t, a.Enqueue(testEvent{n: 1}))
	require.Eventually(t, func() bool {
		return a.State() == 11
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActorParentCancelStopsLoop(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	rt := &actortest.FakeRuntime{}
	a := actor.New[int](parent, 0, sumReducer, rt)
	a.Start()

	cancel()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("actor did not exit after parent cancel")
	}
	require.False(t, a.Enqueue(testEvent{n: 1}))
	require.ErrorIs(t, a.EnqueueWait(context.Background(), testEvent{n: 1}), actor.ErrStopped)
}

func TestActorStopIsIdempotent(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](context.Background(), 0, sumReducer, rt)
	a.Start()
	a.Stop()
	a.Stop()

	<-a.Done()
	require.Equal(t, 2, rt.Stopped())
	require.Error(t, a.Context().Err())
}

func TestActorHooksObserveTransitions(t *testing.T) {
	t.Parallel()

	type transition struct{ prev, next int }
	seen := make(chan transition, 4)
	hooks := actor.Hooks[int]{
		OnTransition: func(prev, next int, _ actor.Input) {
			seen <- transition{prev, next}
		},
	}
	a := actor.New[int](context.Background(), 0, sumReducer, nil, actor.WithHooks(hooks), actor.WithMailboxSize[int](4))
	a.Start()
	defer a.Stop()

	require.NoError(t, a.EnqueueWait(context.Background(), testEvent{n: 3}))
	select {
	case tr := <-seen:
		require.Equal(t, transition{0, 3}, tr)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for transition")
	}
}

// gateRuntime blocks the loop inside its first HandleEffects call until gate
// is closed, handing the emitter out first.
type gateRuntime struct {
	once  sync.Once
	gate  chan struct{}
	emits chan func(actor.Input)
}

func (r *gateRuntime) HandleEffects(_ context.Context, _ []actor.Effect, emit func(actor.Input)) {
	r.once.Do(func() {
		r.emits <- emit
		<-r.gate
	})
}

func (r *gateRuntime) Stop() {}

func TestActorEmitWaitsForMailboxRoom(t *testing.T) {
	t.Parallel()

	rt := &gateRuntime{gate: make(chan struct{}), emits: make(chan func(actor.Input), 1)}
	a := actor.New[int](context.Background(), 0, sumReducer, rt, actor.WithMailboxSize[int](1))
	a.Start()
	defer a.Stop()

	require.True(t, a.Enqueue(testEvent{n: 1}))
	emit := <-rt.emits

	const burst = 20
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < burst; i++ {
			emit(testEvent{n: 1})
		}
	}()

	// The loop is parked, so the burst cannot fit in the mailbox yet.
	select {
	case <-emitted:
		t.Fatalf("emit returned before the mailbox drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(rt.gate)
	<-emitted
	require.Eventually(t, func() bool {
		return a.State() == 1+burst
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActorEmitReturnsWhenScopeEnds(t *testing.T) {
	t.Parallel()

	rt := &gateRuntime{gate: make(chan struct{}), emits: make(chan func(actor.Input), 1)}
	a := actor.New[int](context.Background(), 0, sumReducer, rt, actor.WithMailboxSize[int](1))
	a.Start()
	defer close(rt.gate)

	require.True(t, a.Enqueue(testEvent{n: 1}))
	emit := <-rt.emits

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		emit(testEvent{n: 1})
		emit(testEvent{n: 1})
	}()

	a.Stop()
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatalf("emit still blocked after the scope ended")
	}
}
