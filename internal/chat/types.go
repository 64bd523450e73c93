package chat

import (
	"encoding/json"
	"time"

	"github.com/bhandras/chatsync/internal/actor"
	"github.com/bhandras/chatsync/internal/wire"
)

// Status is the delivery state of a message in the view.
type Status string

const (
	// StatusPending marks a locally created message awaiting confirmation.
	StatusPending Status = "pending"
	// StatusFailed marks a local message whose send failed. It can be retried
	// or discarded.
	StatusFailed Status = "failed"
	// StatusConfirmed marks a message carrying a server id.
	StatusConfirmed Status = "confirmed"
)

// tempIDPrefix prefixes local placeholder ids.
const tempIDPrefix = "temp-"

// Message is one entry of the conversation view.
type Message struct {
	// ID is the server id, or a temp-<unix-ms> placeholder while the message
	// is local.
	ID                string
	Content           string
	CreatedAt         time.Time
	Sender            json.RawMessage
	SenderID          string
	SenderRole        string
	SystemMessageType string
	ConversationID    string
	// CorrelationID is set on messages sent from this client and survives
	// confirmation.
	CorrelationID string
	Status        Status
}

// IsLocal reports whether the message still carries a placeholder id.
func (m Message) IsLocal() bool {
	return m.Status != StatusConfirmed
}

// IdentityPhase tracks customer id resolution.
type IdentityPhase int

const (
	// IdentityUnknown means no customer id and no resolution running.
	IdentityUnknown IdentityPhase = iota
	// IdentityResolving means a resolution round trip is in flight.
	IdentityResolving
	// IdentityKnown means the customer id is available.
	IdentityKnown
)

// fetchKind identifies why a page is being fetched.
type fetchKind int

const (
	fetchNone fetchKind = iota
	// fetchInitial is the first page load after Open.
	fetchInitial
	// fetchRefresh is a caller requested reload of page 1.
	fetchRefresh
	// fetchPoll is a page 1 reload driven by the poll timer.
	fetchPoll
	// fetchCatchUp is the page 1 reload after the realtime link comes back.
	fetchCatchUp
	// fetchOlder loads the page after the oldest loaded one.
	fetchOlder
)

func (k fetchKind) String() string {
	switch k {
	case fetchInitial:
		return "initial"
	case fetchRefresh:
		return "refresh"
	case fetchPoll:
		return "poll"
	case fetchCatchUp:
		return "catch-up"
	case fetchOlder:
		return "older"
	default:
		return "none"
	}
}

// firstPage reports whether the fetch targets page 1.
func (k fetchKind) firstPage() bool {
	return k != fetchOlder && k != fetchNone
}

// sendOutcome is delivered to a send waiter once the send is confirmed or
// has failed.
type sendOutcome struct {
	Message Message
	Err     error
}

// sendReply answers a Send command once the optimistic entry exists.
type sendReply struct {
	TempID string
	Err    error
}

// PendingSend is the record kept for a local message until it is confirmed.
type PendingSend struct {
	// Content is the trimmed text that was sent.
	Content       string
	CorrelationID string
	// done, when non-nil, receives the first terminal outcome.
	done chan sendOutcome
}

// parkedSend is a send waiting for the customer id.
type parkedSend struct {
	Content       string
	CorrelationID string
	NowMs         int64
	Reply         chan sendReply
	Done          chan sendOutcome
}

// fetchState tracks the single in-flight page fetch and at most one queued
// follow-up.
type fetchState struct {
	InFlight      bool
	Kind          fetchKind
	Waiters       []chan error
	Queued        fetchKind
	QueuedWaiters []chan error
}

// Stats counts reconciler outcomes. The counters are monotonic and feed the
// Prometheus collectors.
type Stats struct {
	Appended      uint64
	Confirmed     uint64
	Duplicates    uint64
	Foreign       uint64
	SendFailures  uint64
	FetchFailures uint64
	Polls         uint64
}

// State is the loop-owned state of a reconciler.
type State struct {
	// ConversationID is the active conversation, empty until resolved.
	ConversationID string
	// Opened is set once Open has run.
	Opened bool
	// Subscribed is set once realtime handlers are installed.
	Subscribed bool
	Closed     bool

	CustomerID string
	Identity   IdentityPhase
	Parked     []parkedSend

	// Messages is the view in arrival order.
	Messages []Message
	// Pending maps temp ids to their send records.
	Pending map[string]PendingSend
	// Known holds every server id present in Messages.
	Known map[string]struct{}

	// LinkKnown is set once the realtime link state has been observed.
	LinkKnown bool
	Connected bool
	Polling   bool

	// OldestPage is the highest page number merged so far.
	OldestPage int
	HasMore    bool

	Fetch fetchState

	// OpenReply is completed when the initial load finishes.
	OpenReply chan error

	Stats Stats
}

// NewState returns an empty reconciler state.
func NewState() State {
	return State{
		Pending: make(map[string]PendingSend),
		Known:   make(map[string]struct{}),
	}
}

// Snapshot is a copy of the view handed to callers.
type Snapshot struct {
	ConversationID string
	Messages       []Message
	Connected      bool
	HasMore        bool
}

// Inputs

// cmdOpen resolves the conversation and starts the initial load.
type cmdOpen struct {
	actor.InputBase
	ConversationID string
	Reply          chan error
}

// cmdSend creates an optimistic message and sends it.
type cmdSend struct {
	actor.InputBase
	Content       string
	CorrelationID string
	NowMs         int64
	Reply         chan sendReply
	Done          chan sendOutcome
}

// cmdRetry resends a failed message.
type cmdRetry struct {
	actor.InputBase
	TempID string
	Reply  chan error
}

// cmdDiscard removes a failed message.
type cmdDiscard struct {
	actor.InputBase
	TempID string
	Reply  chan error
}

// cmdRefresh reloads page 1.
type cmdRefresh struct {
	actor.InputBase
	Reply chan error
}

// cmdLoadOlder loads the next older page.
type cmdLoadOlder struct {
	actor.InputBase
	Reply chan error
}

// cmdSnapshot copies the view inside the loop.
type cmdSnapshot struct {
	actor.InputBase
	Reply chan Snapshot
}

// cmdClose leaves the room and releases realtime handlers.
type cmdClose struct {
	actor.InputBase
	Reply chan error
}

// evConversationLoaded carries the persisted conversation id.
type evConversationLoaded struct {
	actor.InputBase
	ConversationID string
	Err            error
}

// evSubscribed reports the realtime link state right after subscribing.
type evSubscribed struct {
	actor.InputBase
	Connected bool
}

// evPageFetched carries a fetch result.
type evPageFetched struct {
	actor.InputBase
	ConversationID string
	Kind           fetchKind
	Page           wire.ConversationPage
	Err            error
}

// evSendSucceeded carries the server's answer to a send.
type evSendSucceeded struct {
	actor.InputBase
	TempID         string
	Message        wire.ChatMessage
	ConversationID string
}

// evSendFailed reports a failed send.
type evSendFailed struct {
	actor.InputBase
	TempID string
	Err    error
}

// evIdentityResolved carries the customer id resolution result.
type evIdentityResolved struct {
	actor.InputBase
	CustomerID string
	Err        error
}

// evMessagePushed is a message:new event from the realtime gateway.
type evMessagePushed struct {
	actor.InputBase
	Message wire.ChatMessage
}

// evConnected reports the realtime link came up.
type evConnected struct {
	actor.InputBase
}

// evDisconnected reports the realtime link went down.
type evDisconnected struct {
	actor.InputBase
	Reason string
}

// evPollTick fires every poll interval while polling.
type evPollTick struct {
	actor.InputBase
}

// Effects

// effLoadConversation reads the persisted conversation id.
type effLoadConversation struct {
	actor.EffectBase
}

// effPersistConversation stores the conversation id.
type effPersistConversation struct {
	actor.EffectBase
	ConversationID string
}

// effSubscribe installs realtime handlers.
type effSubscribe struct {
	actor.EffectBase
}

// effUnsubscribe removes realtime handlers.
type effUnsubscribe struct {
	actor.EffectBase
}

// effJoinRoom joins a conversation room.
type effJoinRoom struct {
	actor.EffectBase
	ConversationID string
}

// effLeaveRoom leaves a conversation room.
type effLeaveRoom struct {
	actor.EffectBase
	ConversationID string
}

// effFetchPage fetches one page of the conversation.
type effFetchPage struct {
	actor.EffectBase
	ConversationID string
	Kind           fetchKind
	Page           int
}

// effSendMessage posts a message.
type effSendMessage struct {
	actor.EffectBase
	TempID         string
	CustomerID     string
	ConversationID string
	Content        string
	CorrelationID  string
}

// effResolveIdentity starts the customer id round trip.
type effResolveIdentity struct {
	actor.EffectBase
}

// effStartPolling starts the poll timer.
type effStartPolling struct {
	actor.EffectBase
}

// effStopPolling stops the poll timer.
type effStopPolling struct {
	actor.EffectBase
}

// effNotifyMessages publishes the view to the listener.
type effNotifyMessages struct {
	actor.EffectBase
	Messages []Message
}

// effToast publishes a transient error.
type effToast struct {
	actor.EffectBase
	Text string
}

// effAlert publishes a blocking error.
type effAlert struct {
	actor.EffectBase
	Text string
}

// effConnectionChanged publishes the realtime link state.
type effConnectionChanged struct {
	actor.EffectBase
	Connected bool
}

// effCompleteClose answers Close after the preceding effects ran.
type effCompleteClose struct {
	actor.EffectBase
	Reply chan error
}
