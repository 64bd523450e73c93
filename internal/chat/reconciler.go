// Package chat keeps one deduplicated, order-preserving view of a support
// conversation by merging the REST message store, realtime message:new
// events and the user's own optimistic sends.
//
// A Reconciler is an actor: one goroutine owns the view, a pure reducer
// applies inputs, and a runtime performs network calls and delivers results
// back as events. Each Reconciler lives in a context scope derived from the
// caller's; results arriving after Close or after the scope ends are dropped.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/bhandras/chatsync/internal/actor"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize     = 50
	defaultPollInterval = 10 * time.Second
	// defaultFetchEvery is the minimum spacing between page fetches.
	defaultFetchEvery = 2 * time.Second
)

// Options configures a Reconciler.
type Options struct {
	// API is the REST message store. Required.
	API MessageAPI
	// Realtime is the gateway connection. Required. It may be shared with
	// other reconcilers.
	Realtime Realtime
	// Store persists the conversation id. Optional.
	Store ConversationStore
	// Listener receives view updates. Optional.
	Listener Listener
	// Metrics, when set, is fed from loop transitions.
	Metrics *Metrics
	// Clock stamps optimistic messages. Defaults to the wall clock.
	Clock actor.Clock
	// CustomerID skips identity resolution when already known.
	CustomerID string

	PageSize     int
	PollInterval time.Duration
	// FetchEvery paces page fetches. Negative disables pacing.
	FetchEvery time.Duration

	// NewCorrelationID generates correlation ids. Defaults to UUIDv4.
	NewCorrelationID func() string
}

// Reconciler is a conversation view. Methods are safe for concurrent use.
type Reconciler struct {
	actor            *actor.Actor[State]
	clock            actor.Clock
	newCorrelationID func() string
}

// New starts a reconciler scoped to ctx. Call Open to load a conversation.
func New(ctx context.Context, opts Options) (*Reconciler, error) {
	if opts.API == nil {
		return nil, errors.New("chat: missing message API")
	}
	if opts.Realtime == nil {
		return nil, errors.New("chat: missing realtime connection")
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.Clock == nil {
		opts.Clock = actor.RealClock{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.NewCorrelationID == nil {
		opts.NewCorrelationID = uuid.NewString
	}

	limit := rate.Every(defaultFetchEvery)
	switch {
	case opts.FetchEvery < 0:
		limit = rate.Inf
	case opts.FetchEvery > 0:
		limit = rate.Every(opts.FetchEvery)
	}

	rt := &Runtime{
		api:          opts.API,
		realtime:     opts.Realtime,
		store:        opts.Store,
		listener:     opts.Listener,
		pageSize:     opts.PageSize,
		pollInterval: opts.PollInterval,
		limiter:      rate.NewLimiter(limit, 1),
		dispatch:     newDispatcher(0),
	}

	initial := NewState()
	if opts.CustomerID != "" {
		initial.CustomerID = opts.CustomerID
		initial.Identity = IdentityKnown
	}

	a := actor.New(ctx, initial, Reduce, rt, actor.WithHooks(opts.Metrics.hooks()))
	a.Start()

	// The parent scope may end without Close; release the runtime either way.
	go func() {
		<-a.Done()
		rt.Stop()
	}()

	return &Reconciler{
		actor:            a,
		clock:            opts.Clock,
		newCorrelationID: opts.NewCorrelationID,
	}, nil
}

// call delivers in and waits for its reply.
func call[T any](ctx context.Context, r *Reconciler, in actor.Input, reply chan T) (T, error) {
	var zero T
	if err := r.actor.EnqueueWait(ctx, in); err != nil {
		if errors.Is(err, actor.ErrStopped) {
			return zero, ErrClosed
		}
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.actor.Context().Done():
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// callErr is call for commands answered with an error.
func callErr(ctx context.Context, r *Reconciler, in actor.Input, reply chan error) error {
	res, err := call(ctx, r, in, reply)
	if err != nil {
		return err
	}
	return res
}

// Open resolves the conversation and loads its first page. A non-empty
// conversationID wins over the persisted one. With no conversation known,
// Open returns immediately and the first send creates one.
func (r *Reconciler) Open(ctx context.Context, conversationID string) error {
	reply := make(chan error, 1)
	return callErr(ctx, r, cmdOpen{ConversationID: conversationID, Reply: reply}, reply)
}

// Send appends an optimistic message and sends it. It returns the message's
// temp id once the message is in the view.
func (r *Reconciler) Send(ctx context.Context, text string) (string, error) {
	return r.send(ctx, text, nil)
}

// SendAndWait sends text and waits until the server confirms it or the send
// fails.
func (r *Reconciler) SendAndWait(ctx context.Context, text string) (Message, error) {
	done := make(chan sendOutcome, 1)
	if _, err := r.send(ctx, text, done); err != nil {
		return Message{}, err
	}
	select {
	case out := <-done:
		return out.Message, out.Err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-r.actor.Context().Done():
		return Message{}, ErrClosed
	}
}

func (r *Reconciler) send(ctx context.Context, text string, done chan sendOutcome) (string, error) {
	reply := make(chan sendReply, 1)
	res, err := call(ctx, r, cmdSend{
		Content:       text,
		CorrelationID: r.newCorrelationID(),
		NowMs:         r.clock.Now().UnixMilli(),
		Reply:         reply,
		Done:          done,
	}, reply)
	if err != nil {
		return "", err
	}
	return res.TempID, res.Err
}

// Retry resends a failed message under its original correlation id.
func (r *Reconciler) Retry(ctx context.Context, tempID string) error {
	reply := make(chan error, 1)
	return callErr(ctx, r, cmdRetry{TempID: tempID, Reply: reply}, reply)
}

// Discard removes a failed message from the view.
func (r *Reconciler) Discard(ctx context.Context, tempID string) error {
	reply := make(chan error, 1)
	return callErr(ctx, r, cmdDiscard{TempID: tempID, Reply: reply}, reply)
}

// Refresh reloads the newest page and merges it into the view.
func (r *Reconciler) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	return callErr(ctx, r, cmdRefresh{Reply: reply}, reply)
}

// LoadOlder prepends the next older page. It is a no-op once the server
// reports no more pages.
func (r *Reconciler) LoadOlder(ctx context.Context) error {
	reply := make(chan error, 1)
	return callErr(ctx, r, cmdLoadOlder{Reply: reply}, reply)
}

// Snapshot returns a copy of the view.
func (r *Reconciler) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	return call(ctx, r, cmdSnapshot{Reply: reply}, reply)
}

// Messages returns a copy of the message list.
func (r *Reconciler) Messages(ctx context.Context) ([]Message, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

// Close leaves the conversation room, drops realtime handlers and ends the
// reconciler's scope. It is safe to call more than once.
func (r *Reconciler) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	err := callErr(ctx, r, cmdClose{Reply: reply}, reply)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	r.actor.Stop()

	select {
	case <-r.actor.Done():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
