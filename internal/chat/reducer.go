package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/chatsync/internal/actor"
	"github.com/bhandras/chatsync/internal/wire"
)

const (
	toastFetchFailed = "Couldn't load messages."
	toastSendFailed  = "Message failed to send."
	alertIdentity    = "We couldn't find your customer profile. Please sign in again."
)

// Reduce is the reconciler reducer.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	if state.Pending == nil {
		state.Pending = make(map[string]PendingSend)
	}
	if state.Known == nil {
		state.Known = make(map[string]struct{})
	}

	switch in := input.(type) {
	case cmdOpen:
		return reduceOpen(state, in)
	case cmdSend:
		return reduceSend(state, in)
	case cmdRetry:
		return reduceRetry(state, in)
	case cmdDiscard:
		return reduceDiscard(state, in)
	case cmdRefresh:
		if state.Closed {
			replyErr(in.Reply, ErrClosed)
			return state, nil
		}
		return startFetch(state, fetchRefresh, in.Reply)
	case cmdLoadOlder:
		if state.Closed {
			replyErr(in.Reply, ErrClosed)
			return state, nil
		}
		return startFetch(state, fetchOlder, in.Reply)
	case cmdSnapshot:
		if in.Reply != nil {
			in.Reply <- snapshotOf(state)
		}
		return state, nil
	case cmdClose:
		return reduceClose(state, in)
	}

	// Late results after Close are ignored.
	if state.Closed {
		return state, nil
	}

	switch in := input.(type) {
	case evConversationLoaded:
		return reduceConversationLoaded(state, in)
	case evSubscribed:
		if state.LinkKnown {
			// A connect or disconnect event already reported a newer state.
			return state, nil
		}
		state.LinkKnown = true
		state.Connected = in.Connected
		effects := []actor.Effect{effConnectionChanged{Connected: in.Connected}}
		var more []actor.Effect
		state, more = syncPolling(state)
		return state, append(effects, more...)
	case evConnected:
		return reduceConnected(state)
	case evDisconnected:
		return reduceDisconnected(state)
	case evPollTick:
		if state.Connected || !state.Polling || state.ConversationID == "" {
			return state, nil
		}
		return startFetch(state, fetchPoll)
	case evPageFetched:
		return reducePageFetched(state, in)
	case evMessagePushed:
		var changed bool
		state, changed = mergeServerMessage(state, in.Message, false)
		if !changed {
			return state, nil
		}
		return state, []actor.Effect{notifyMessages(state)}
	case evSendSucceeded:
		return reduceSendSucceeded(state, in)
	case evSendFailed:
		return reduceSendFailed(state, in)
	case evIdentityResolved:
		return reduceIdentityResolved(state, in)
	default:
		return state, nil
	}
}

func replyErr(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func replySend(ch chan sendReply, r sendReply) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func deliverOutcome(ch chan sendOutcome, out sendOutcome) {
	if ch == nil {
		return
	}
	select {
	case ch <- out:
	default:
	}
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

func snapshotOf(state State) Snapshot {
	return Snapshot{
		ConversationID: state.ConversationID,
		Messages:       copyMessages(state.Messages),
		Connected:      state.Connected,
		HasMore:        state.HasMore,
	}
}

func notifyMessages(state State) actor.Effect {
	return effNotifyMessages{Messages: copyMessages(state.Messages)}
}

func indexOf(state State, id string) int {
	for i, m := range state.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func fromWire(msg wire.ChatMessage, status Status) Message {
	return Message{
		ID:                msg.ID,
		Content:           msg.Content,
		CreatedAt:         msg.CreatedAt,
		Sender:            msg.Sender,
		SenderID:          msg.SenderID,
		SenderRole:        msg.SenderRole,
		SystemMessageType: msg.SystemMessageType,
		ConversationID:    msg.ConversationID,
		Status:            status,
	}
}

func reduceOpen(state State, cmd cmdOpen) (State, []actor.Effect) {
	if state.Closed {
		replyErr(cmd.Reply, ErrClosed)
		return state, nil
	}
	if state.Opened {
		replyErr(cmd.Reply, ErrAlreadyOpen)
		return state, nil
	}
	state.Opened = true

	var effects []actor.Effect
	if !state.Subscribed {
		state.Subscribed = true
		effects = append(effects, effSubscribe{})
	}

	if id := strings.TrimSpace(cmd.ConversationID); id != "" {
		var more []actor.Effect
		state, more = activateConversation(state, id, cmd.Reply)
		return state, append(effects, more...)
	}

	state.OpenReply = cmd.Reply
	return state, append(effects, effLoadConversation{})
}

func reduceConversationLoaded(state State, ev evConversationLoaded) (State, []actor.Effect) {
	reply := state.OpenReply
	state.OpenReply = nil

	// A send may have created the conversation while the store was read.
	id := strings.TrimSpace(ev.ConversationID)
	if ev.Err != nil || id == "" || state.ConversationID != "" {
		replyErr(reply, nil)
		return state, nil
	}
	return activateConversation(state, id, reply)
}

// activateConversation joins the room of a conversation that was not active
// before and loads its first page.
func activateConversation(state State, id string, reply chan error) (State, []actor.Effect) {
	state.ConversationID = id
	effects := []actor.Effect{effJoinRoom{ConversationID: id}}

	state, more := startFetch(state, fetchInitial, reply)
	effects = append(effects, more...)

	state, more = syncPolling(state)
	return state, append(effects, more...)
}

// syncPolling starts polling while the realtime link is down for a known
// conversation and stops it otherwise.
func syncPolling(state State) (State, []actor.Effect) {
	want := !state.Closed && state.LinkKnown && !state.Connected && state.ConversationID != ""
	switch {
	case want && !state.Polling:
		state.Polling = true
		return state, []actor.Effect{effStartPolling{}}
	case !want && state.Polling:
		state.Polling = false
		return state, []actor.Effect{effStopPolling{}}
	default:
		return state, nil
	}
}

func reduceConnected(state State) (State, []actor.Effect) {
	wasConnected := state.Connected
	state.LinkKnown = true
	state.Connected = true
	if wasConnected {
		return state, nil
	}

	effects := []actor.Effect{effConnectionChanged{Connected: true}}
	state, more := syncPolling(state)
	effects = append(effects, more...)

	// Pushes may have been missed while the link was down.
	if state.ConversationID != "" {
		state, more = startFetch(state, fetchCatchUp)
		effects = append(effects, more...)
	}
	return state, effects
}

func reduceDisconnected(state State) (State, []actor.Effect) {
	wasConnected := state.Connected
	state.LinkKnown = true
	state.Connected = false

	var effects []actor.Effect
	if wasConnected {
		effects = append(effects, effConnectionChanged{Connected: false})
	}
	state, more := syncPolling(state)
	return state, append(effects, more...)
}

// startFetch issues a page fetch, or attaches to the one in flight.
//
// Page 1 fetches (initial, refresh, poll, catch-up) coalesce with each other,
// and older-page fetches coalesce with each other. A fetch of the other class
// waits in a single queued slot.
func startFetch(state State, kind fetchKind, replies ...chan error) (State, []actor.Effect) {
	replies = compactReplies(replies)
	if state.ConversationID == "" {
		for _, r := range replies {
			replyErr(r, ErrNoConversation)
		}
		return state, nil
	}

	f := state.Fetch
	if f.InFlight {
		switch {
		case kind.firstPage() == f.Kind.firstPage():
			f.Waiters = append(f.Waiters, replies...)
		case kind == fetchPoll:
			// The poll tick is superseded by the fetch in flight.
		default:
			if f.Queued == fetchNone {
				f.Queued = kind
			}
			f.QueuedWaiters = append(f.QueuedWaiters, replies...)
		}
		state.Fetch = f
		return state, nil
	}

	page := 1
	if kind == fetchOlder {
		if state.OldestPage > 0 && !state.HasMore {
			for _, r := range replies {
				replyErr(r, nil)
			}
			return state, nil
		}
		page = state.OldestPage + 1
	}

	f.InFlight = true
	f.Kind = kind
	f.Waiters = replies
	state.Fetch = f
	if kind == fetchPoll {
		state.Stats.Polls++
	}

	return state, []actor.Effect{effFetchPage{
		ConversationID: state.ConversationID,
		Kind:           kind,
		Page:           page,
	}}
}

func compactReplies(in []chan error) []chan error {
	var out []chan error
	for _, r := range in {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func reducePageFetched(state State, ev evPageFetched) (State, []actor.Effect) {
	waiters := state.Fetch.Waiters
	state.Fetch.InFlight = false
	state.Fetch.Kind = fetchNone
	state.Fetch.Waiters = nil

	var effects []actor.Effect
	var result error

	switch {
	case ev.ConversationID != state.ConversationID:
		// Result for a conversation that is no longer active.
	case ev.Err != nil:
		state.Stats.FetchFailures++
		result = ev.Err
		effects = append(effects, effToast{Text: toastFetchFailed})
	case ev.Kind == fetchOlder:
		var changed bool
		state, changed = prependOlder(state, ev.Page)
		if changed {
			effects = append(effects, notifyMessages(state))
		}
	default:
		changed := false
		for _, msg := range ev.Page.Messages {
			var merged bool
			state, merged = mergeServerMessage(state, msg, true)
			changed = changed || merged
		}
		if state.OldestPage <= 1 {
			state.OldestPage = 1
			state.HasMore = ev.Page.HasMore
		}
		if changed {
			effects = append(effects, notifyMessages(state))
		}
	}

	for _, w := range waiters {
		replyErr(w, result)
	}

	if queued := state.Fetch.Queued; queued != fetchNone {
		queuedWaiters := state.Fetch.QueuedWaiters
		state.Fetch.Queued = fetchNone
		state.Fetch.QueuedWaiters = nil

		var more []actor.Effect
		state, more = startFetch(state, queued, queuedWaiters...)
		effects = append(effects, more...)
	}
	return state, effects
}

// prependOlder puts an older page in front of the view, keeping the page's
// order and skipping ids already shown.
func prependOlder(state State, page wire.ConversationPage) (State, bool) {
	var older []Message
	for _, msg := range page.Messages {
		if msg.ID == "" {
			continue
		}
		if _, ok := state.Known[msg.ID]; ok {
			state.Stats.Duplicates++
			continue
		}
		if isForeign(state, msg) {
			state.Stats.Foreign++
			continue
		}
		state.Known[msg.ID] = struct{}{}
		state.Stats.Appended++
		older = append(older, fromWire(msg, StatusConfirmed))
	}

	if page.Page > state.OldestPage {
		state.OldestPage = page.Page
	}
	state.HasMore = page.HasMore

	if len(older) == 0 {
		return state, false
	}
	next := make([]Message, 0, len(older)+len(state.Messages))
	next = append(next, older...)
	next = append(next, state.Messages...)
	state.Messages = next
	return state, true
}

func isForeign(state State, msg wire.ChatMessage) bool {
	return msg.ConversationID != "" && state.ConversationID != "" &&
		msg.ConversationID != state.ConversationID
}

// mergeServerMessage applies a server message from a push or a fetch. Known
// ids and other conversations are dropped, a matching local message is
// confirmed in place, anything else is appended.
func mergeServerMessage(state State, msg wire.ChatMessage, fetched bool) (State, bool) {
	if msg.ID == "" {
		return state, false
	}
	if _, ok := state.Known[msg.ID]; ok {
		state.Stats.Duplicates++
		return state, false
	}
	if isForeign(state, msg) {
		state.Stats.Foreign++
		return state, false
	}

	if idx := matchLocal(state, msg, fetched); idx >= 0 {
		return confirmAt(state, idx, msg), true
	}

	state.Messages = append(state.Messages, fromWire(msg, StatusConfirmed))
	state.Known[msg.ID] = struct{}{}
	state.Stats.Appended++
	return state, true
}

// matchLocal finds the local message a server message confirms: by
// correlation id when the payload carries one, otherwise the first local
// message with the same text. Failed messages are eligible since the server
// may have stored them anyway.
//
// Fetched pages also carry history and other senders, so a fetched message
// only matches by text when it could be ours: customer-authored and not
// older than the local message.
func matchLocal(state State, msg wire.ChatMessage, fetched bool) int {
	if msg.ClientMessageID != "" {
		for i, m := range state.Messages {
			if m.Status == StatusConfirmed || m.CorrelationID != msg.ClientMessageID {
				continue
			}
			if _, ok := state.Pending[m.ID]; ok {
				return i
			}
		}
		return -1
	}
	idx := firstLocalWithContent(state, strings.TrimSpace(msg.Content), "")
	if idx < 0 || !fetched {
		return idx
	}
	if !mayBeOwn(msg, state.Messages[idx]) {
		return -1
	}
	return idx
}

// fetchMatchSkew tolerates a device clock running ahead of the server.
const fetchMatchSkew = time.Minute

// roleCustomer is the sender role of messages written by this client's user.
const roleCustomer = "customer"

func mayBeOwn(msg wire.ChatMessage, local Message) bool {
	if msg.SystemMessageType != "" {
		return false
	}
	if msg.SenderRole != "" && !strings.EqualFold(msg.SenderRole, roleCustomer) {
		return false
	}
	if msg.CreatedAt.IsZero() || local.CreatedAt.IsZero() {
		return true
	}
	return !msg.CreatedAt.Before(local.CreatedAt.Add(-fetchMatchSkew))
}

func firstLocalWithContent(state State, content string, skipID string) int {
	if content == "" {
		return -1
	}
	for i, m := range state.Messages {
		if m.Status == StatusConfirmed || m.ID == skipID {
			continue
		}
		if p, ok := state.Pending[m.ID]; ok && p.Content == content {
			return i
		}
	}
	return -1
}

// confirmAt rewrites the local message at idx with the server's identity.
func confirmAt(state State, idx int, msg wire.ChatMessage) State {
	local := state.Messages[idx]
	p := state.Pending[local.ID]
	delete(state.Pending, local.ID)

	updated := fromWire(msg, StatusConfirmed)
	updated.CorrelationID = local.CorrelationID
	if updated.Content == "" {
		updated.Content = local.Content
	}
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = local.CreatedAt
	}
	if updated.ConversationID == "" {
		updated.ConversationID = state.ConversationID
	}

	state.Messages[idx] = updated
	state.Known[msg.ID] = struct{}{}
	state.Stats.Confirmed++
	deliverOutcome(p.done, sendOutcome{Message: updated})
	return state
}

func reduceSend(state State, cmd cmdSend) (State, []actor.Effect) {
	if state.Closed {
		replySend(cmd.Reply, sendReply{Err: ErrClosed})
		return state, nil
	}
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		replySend(cmd.Reply, sendReply{Err: ErrEmptyMessage})
		return state, nil
	}

	if state.Identity != IdentityKnown {
		state.Parked = append(state.Parked, parkedSend{
			Content:       content,
			CorrelationID: cmd.CorrelationID,
			NowMs:         cmd.NowMs,
			Reply:         cmd.Reply,
			Done:          cmd.Done,
		})
		if state.Identity == IdentityResolving {
			return state, nil
		}
		state.Identity = IdentityResolving
		return state, []actor.Effect{effResolveIdentity{}}
	}

	state, effects := createLocal(state, content, cmd.CorrelationID, cmd.NowMs, cmd.Reply, cmd.Done)
	return state, append(effects, notifyMessages(state))
}

// nextTempID returns temp-<nowMs>, suffixed when that id is taken.
func nextTempID(state State, nowMs int64) string {
	base := fmt.Sprintf("%s%d", tempIDPrefix, nowMs)
	taken := func(id string) bool {
		if _, ok := state.Pending[id]; ok {
			return true
		}
		return indexOf(state, id) >= 0
	}
	if !taken(base) {
		return base
	}
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s-%d", base, n)
		if !taken(id) {
			return id
		}
	}
}

// createLocal appends an optimistic message and issues its send.
func createLocal(state State, content, correlationID string, nowMs int64,
	reply chan sendReply, done chan sendOutcome) (State, []actor.Effect) {

	tempID := nextTempID(state, nowMs)
	state.Messages = append(state.Messages, Message{
		ID:             tempID,
		Content:        content,
		CreatedAt:      time.UnixMilli(nowMs),
		ConversationID: state.ConversationID,
		CorrelationID:  correlationID,
		Status:         StatusPending,
	})
	state.Pending[tempID] = PendingSend{
		Content:       content,
		CorrelationID: correlationID,
		done:          done,
	}
	replySend(reply, sendReply{TempID: tempID})

	return state, []actor.Effect{effSendMessage{
		TempID:         tempID,
		CustomerID:     state.CustomerID,
		ConversationID: state.ConversationID,
		Content:        content,
		CorrelationID:  correlationID,
	}}
}

func reduceIdentityResolved(state State, ev evIdentityResolved) (State, []actor.Effect) {
	parked := state.Parked
	state.Parked = nil

	customerID := strings.TrimSpace(ev.CustomerID)
	if ev.Err != nil || customerID == "" {
		state.Identity = IdentityUnknown
		err := ErrIdentityUnavailable
		if ev.Err != nil {
			err = fmt.Errorf("%w: %w", ErrIdentityUnavailable, ev.Err)
		}
		for _, p := range parked {
			replySend(p.Reply, sendReply{Err: err})
			deliverOutcome(p.Done, sendOutcome{Err: err})
		}
		return state, []actor.Effect{effAlert{Text: alertIdentity}}
	}

	state.CustomerID = customerID
	state.Identity = IdentityKnown
	if len(parked) == 0 {
		return state, nil
	}

	var effects []actor.Effect
	for _, p := range parked {
		var more []actor.Effect
		state, more = createLocal(state, p.Content, p.CorrelationID, p.NowMs, p.Reply, p.Done)
		effects = append(effects, more...)
	}
	return state, append(effects, notifyMessages(state))
}

func reduceSendSucceeded(state State, ev evSendSucceeded) (State, []actor.Effect) {
	var effects []actor.Effect
	if id := strings.TrimSpace(ev.ConversationID); id != "" && id != state.ConversationID {
		state, effects = switchConversation(state, id)
	}

	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = state.ConversationID
	}
	if msg.ID == "" {
		return state, effects
	}
	if _, ok := state.Known[msg.ID]; ok {
		// The push already confirmed this message.
		state.Stats.Duplicates++
		return state, effects
	}

	if _, ok := state.Pending[ev.TempID]; ok {
		if idx := indexOf(state, ev.TempID); idx >= 0 {
			state = confirmAt(state, idx, msg)
			return state, append(effects, notifyMessages(state))
		}
	}

	// The local message was confirmed by a push that content-matched it under
	// another id; hand this ack to the next local message with the same text.
	if idx := firstLocalWithContent(state, strings.TrimSpace(msg.Content), ev.TempID); idx >= 0 {
		state = confirmAt(state, idx, msg)
		return state, append(effects, notifyMessages(state))
	}

	state.Messages = append(state.Messages, fromWire(msg, StatusConfirmed))
	state.Known[msg.ID] = struct{}{}
	state.Stats.Appended++
	return state, append(effects, notifyMessages(state))
}

// switchConversation makes id the active conversation after a send created
// it: persist it, move room membership and start polling if needed.
func switchConversation(state State, id string) (State, []actor.Effect) {
	old := state.ConversationID
	state.ConversationID = id

	effects := []actor.Effect{effPersistConversation{ConversationID: id}}
	if old != "" {
		effects = append(effects, effLeaveRoom{ConversationID: old})
	}
	effects = append(effects, effJoinRoom{ConversationID: id})

	for i, m := range state.Messages {
		if m.Status != StatusConfirmed && (m.ConversationID == "" || m.ConversationID == old) {
			state.Messages[i].ConversationID = id
		}
	}
	if state.OldestPage == 0 {
		state.OldestPage = 1
		state.HasMore = false
	}

	state, more := syncPolling(state)
	return state, append(effects, more...)
}

func reduceSendFailed(state State, ev evSendFailed) (State, []actor.Effect) {
	p, ok := state.Pending[ev.TempID]
	idx := indexOf(state, ev.TempID)
	if !ok || idx < 0 || state.Messages[idx].Status != StatusPending {
		return state, nil
	}

	state.Messages[idx].Status = StatusFailed
	state.Stats.SendFailures++
	deliverOutcome(p.done, sendOutcome{Message: state.Messages[idx], Err: ev.Err})
	p.done = nil
	state.Pending[ev.TempID] = p

	return state, []actor.Effect{
		effToast{Text: toastSendFailed},
		notifyMessages(state),
	}
}

// failedAt returns the index of the failed local message tempID.
func failedAt(state State, tempID string) (int, error) {
	idx := indexOf(state, tempID)
	if _, ok := state.Pending[tempID]; !ok || idx < 0 {
		return -1, ErrUnknownMessage
	}
	if state.Messages[idx].Status != StatusFailed {
		return -1, ErrNotFailed
	}
	return idx, nil
}

func reduceRetry(state State, cmd cmdRetry) (State, []actor.Effect) {
	if state.Closed {
		replyErr(cmd.Reply, ErrClosed)
		return state, nil
	}
	idx, err := failedAt(state, cmd.TempID)
	if err != nil {
		replyErr(cmd.Reply, err)
		return state, nil
	}

	p := state.Pending[cmd.TempID]
	state.Messages[idx].Status = StatusPending
	replyErr(cmd.Reply, nil)

	return state, []actor.Effect{
		effSendMessage{
			TempID:         cmd.TempID,
			CustomerID:     state.CustomerID,
			ConversationID: state.ConversationID,
			Content:        p.Content,
			CorrelationID:  p.CorrelationID,
		},
		notifyMessages(state),
	}
}

func reduceDiscard(state State, cmd cmdDiscard) (State, []actor.Effect) {
	if state.Closed {
		replyErr(cmd.Reply, ErrClosed)
		return state, nil
	}
	idx, err := failedAt(state, cmd.TempID)
	if err != nil {
		replyErr(cmd.Reply, err)
		return state, nil
	}

	next := make([]Message, 0, len(state.Messages)-1)
	next = append(next, state.Messages[:idx]...)
	next = append(next, state.Messages[idx+1:]...)
	state.Messages = next
	delete(state.Pending, cmd.TempID)
	replyErr(cmd.Reply, nil)

	return state, []actor.Effect{notifyMessages(state)}
}

func reduceClose(state State, cmd cmdClose) (State, []actor.Effect) {
	if state.Closed {
		replyErr(cmd.Reply, nil)
		return state, nil
	}
	state.Closed = true

	var effects []actor.Effect
	if state.Polling {
		state.Polling = false
		effects = append(effects, effStopPolling{})
	}
	if state.ConversationID != "" {
		effects = append(effects, effLeaveRoom{ConversationID: state.ConversationID})
	}
	if state.Subscribed {
		effects = append(effects, effUnsubscribe{})
	}

	for _, p := range state.Parked {
		replySend(p.Reply, sendReply{Err: ErrClosed})
		deliverOutcome(p.Done, sendOutcome{Err: ErrClosed})
	}
	state.Parked = nil

	for id, p := range state.Pending {
		deliverOutcome(p.done, sendOutcome{Err: ErrClosed})
		p.done = nil
		state.Pending[id] = p
	}

	for _, w := range state.Fetch.Waiters {
		replyErr(w, ErrClosed)
	}
	for _, w := range state.Fetch.QueuedWaiters {
		replyErr(w, ErrClosed)
	}
	state.Fetch = fetchState{}

	replyErr(state.OpenReply, ErrClosed)
	state.OpenReply = nil

	return state, append(effects, effCompleteClose{Reply: cmd.Reply})
}
