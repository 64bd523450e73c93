package chat

import "sync"

// Listener receives view updates. All callbacks run on one goroutine, in the
// order the reconciler produced them, so implementations need no locking of
// their own but must not block for long.
type Listener interface {
	OnMessages(messages []Message)
	OnToast(text string)
	OnAlert(text string)
	OnConnectionChanged(connected bool)
}

// ListenerFuncs adapts optional functions to a Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Messages          func([]Message)
	Toast             func(string)
	Alert             func(string)
	ConnectionChanged func(bool)
}

// OnMessages implements Listener.
func (l ListenerFuncs) OnMessages(messages []Message) {
	if l.Messages != nil {
		l.Messages(messages)
	}
}

// OnToast implements Listener.
func (l ListenerFuncs) OnToast(text string) {
	if l.Toast != nil {
		l.Toast(text)
	}
}

// OnAlert implements Listener.
func (l ListenerFuncs) OnAlert(text string) {
	if l.Alert != nil {
		l.Alert(text)
	}
}

// OnConnectionChanged implements Listener.
func (l ListenerFuncs) OnConnectionChanged(connected bool) {
	if l.ConnectionChanged != nil {
		l.ConnectionChanged(connected)
	}
}

// dispatcher serializes listener callbacks onto a single goroutine so a slow
// listener never stalls the actor loop.
type dispatcher struct {
	mu     sync.Mutex
	closed bool
	q      chan func()
	done   chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for fn := range d.q {
			if fn != nil {
				fn()
			}
		}
	}()
	return d
}

// do queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) do(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || fn == nil {
		return false
	}
	d.q <- fn
	return true
}

// close stops accepting work. Queued callbacks still run.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.q)
}
