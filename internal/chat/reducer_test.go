package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/bhandras/chatsync/internal/actor"
	"github.com/bhandras/chatsync/internal/wire"
	"github.com/stretchr/testify/require"
)

const testConversation = "conv-1"

func findEffect[T actor.Effect](effects []actor.Effect) (T, bool) {
	for _, eff := range effects {
		if e, ok := eff.(T); ok {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func countEffects[T actor.Effect](effects []actor.Effect) int {
	n := 0
	for _, eff := range effects {
		if _, ok := eff.(T); ok {
			n++
		}
	}
	return n
}

// openedState returns a state with testConversation loaded, an empty first
// page merged and a known customer.
func openedState(t *testing.T) State {
	t.Helper()

	reply := make(chan error, 1)
	state, effects := Reduce(NewState(), cmdOpen{ConversationID: testConversation, Reply: reply})
	fetch, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, fetchInitial, fetch.Kind)

	state, _ = Reduce(state, evPageFetched{
		ConversationID: testConversation,
		Kind:           fetchInitial,
		Page:           wire.ConversationPage{Page: 1},
	})
	require.NoError(t, <-reply)

	state.CustomerID = "cust-1"
	state.Identity = IdentityKnown
	return state
}

func sendLocal(t *testing.T, state State, text, correlationID string, nowMs int64) (State, string) {
	t.Helper()

	reply := make(chan sendReply, 1)
	state, effects := Reduce(state, cmdSend{
		Content:       text,
		CorrelationID: correlationID,
		NowMs:         nowMs,
		Reply:         reply,
	})
	res := <-reply
	require.NoError(t, res.Err)

	send, ok := findEffect[effSendMessage](effects)
	require.True(t, ok)
	require.Equal(t, res.TempID, send.TempID)
	return state, res.TempID
}

func serverMsg(id, content, correlationID string) wire.ChatMessage {
	return wire.ChatMessage{
		ID:              id,
		Content:         content,
		ConversationID:  testConversation,
		ClientMessageID: correlationID,
	}
}

func ids(state State) []string {
	out := make([]string, 0, len(state.Messages))
	for _, m := range state.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestReducePush_DuplicateIDRendersOnce(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, effects := Reduce(state, evMessagePushed{Message: serverMsg("s1", "hello", "")})
	require.Equal(t, 1, countEffects[effNotifyMessages](effects))

	state, effects = Reduce(state, evMessagePushed{Message: serverMsg("s1", "hello", "")})
	require.Empty(t, effects)

	require.Equal(t, []string{"s1"}, ids(state))
	require.EqualValues(t, 1, state.Stats.Duplicates)
}

func TestReduceSendAckThenPush_Converges(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, tempID := sendLocal(t, state, "  hello  ", "corr-1", 1000)
	require.Equal(t, "temp-1000", tempID)
	require.Equal(t, StatusPending, state.Messages[0].Status)
	require.Equal(t, "hello", state.Messages[0].Content)

	state, _ = Reduce(state, evSendSucceeded{TempID: tempID, Message: serverMsg("s1", "hello", "corr-1")})
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "hello", "corr-1")})

	require.Equal(t, []string{"s1"}, ids(state))
	require.Equal(t, StatusConfirmed, state.Messages[0].Status)
	require.Equal(t, "corr-1", state.Messages[0].CorrelationID)
	require.Empty(t, state.Pending)
}

func TestReducePushThenSendAck_Converges(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, tempID := sendLocal(t, state, "hello", "corr-1", 1000)

	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "hello", "corr-1")})
	require.Equal(t, []string{"s1"}, ids(state))

	state, effects := Reduce(state, evSendSucceeded{TempID: tempID, Message: serverMsg("s1", "hello", "corr-1")})
	require.Empty(t, effects)

	require.Equal(t, []string{"s1"}, ids(state))
	require.Empty(t, state.Pending)
}

func TestReducePush_UnmatchedAppendsOnce(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = sendLocal(t, state, "mine", "corr-1", 1000)

	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s9", "from staff", "")})

	require.Len(t, state.Messages, 2)
	require.Equal(t, "s9", state.Messages[1].ID)
	require.Equal(t, StatusPending, state.Messages[0].Status)
	require.EqualValues(t, 1, state.Stats.Appended)
}

func TestReduceSend_PreservesOrderAcrossAcks(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, a := sendLocal(t, state, "A", "ca", 1000)
	state, b := sendLocal(t, state, "B", "cb", 1001)
	state, c := sendLocal(t, state, "C", "cc", 1002)

	// Acks come back in reverse order.
	state, _ = Reduce(state, evSendSucceeded{TempID: c, Message: serverMsg("sc", "C", "cc")})
	state, _ = Reduce(state, evSendSucceeded{TempID: b, Message: serverMsg("sb", "B", "cb")})
	state, _ = Reduce(state, evSendSucceeded{TempID: a, Message: serverMsg("sa", "A", "ca")})

	require.Equal(t, []string{"sa", "sb", "sc"}, ids(state))
}

func TestReduceSend_TempIDCollisionsAreSuffixed(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, first := sendLocal(t, state, "one", "c1", 5000)
	state, second := sendLocal(t, state, "two", "c2", 5000)
	_, third := sendLocal(t, state, "three", "c3", 5000)

	require.Equal(t, "temp-5000", first)
	require.Equal(t, "temp-5000-1", second)
	require.Equal(t, "temp-5000-2", third)
}

func TestReduceSend_EmptyRejected(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	reply := make(chan sendReply, 1)
	next, effects := Reduce(state, cmdSend{Content: " \n\t", Reply: reply})

	require.ErrorIs(t, (<-reply).Err, ErrEmptyMessage)
	require.Empty(t, effects)
	require.Empty(t, next.Messages)
}

func TestReduceSend_FirstSendPersistsConversation(t *testing.T) {
	t.Parallel()

	state := NewState()
	state, effects := Reduce(state, cmdOpen{})
	_, ok := findEffect[effLoadConversation](effects)
	require.True(t, ok)
	state, _ = Reduce(state, evConversationLoaded{})
	require.Empty(t, state.ConversationID)

	state.CustomerID = "cust-1"
	state.Identity = IdentityKnown
	state, tempID := sendLocal(t, state, "hi", "corr", 1000)

	msg := serverMsg("s1", "hi", "corr")
	msg.ConversationID = ""
	state, effects = Reduce(state, evSendSucceeded{TempID: tempID, Message: msg, ConversationID: "conv-new"})

	persist, ok := findEffect[effPersistConversation](effects)
	require.True(t, ok)
	require.Equal(t, "conv-new", persist.ConversationID)
	join, ok := findEffect[effJoinRoom](effects)
	require.True(t, ok)
	require.Equal(t, "conv-new", join.ConversationID)
	_, left := findEffect[effLeaveRoom](effects)
	require.False(t, left)

	require.Equal(t, "conv-new", state.ConversationID)
	require.Equal(t, []string{"s1"}, ids(state))
	require.Equal(t, "conv-new", state.Messages[0].ConversationID)
}

func TestReduceOpen_LoadsPersistedConversation(t *testing.T) {
	t.Parallel()

	reply := make(chan error, 1)
	state, _ := Reduce(NewState(), cmdOpen{Reply: reply})
	state, effects := Reduce(state, evConversationLoaded{ConversationID: "conv-saved"})

	join, ok := findEffect[effJoinRoom](effects)
	require.True(t, ok)
	require.Equal(t, "conv-saved", join.ConversationID)
	fetch, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, 1, fetch.Page)

	_, _ = Reduce(state, evPageFetched{ConversationID: "conv-saved", Kind: fetchInitial})
	require.NoError(t, <-reply)
}

func TestReduceOpen_Twice(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	reply := make(chan error, 1)
	_, effects := Reduce(state, cmdOpen{ConversationID: "other", Reply: reply})
	require.ErrorIs(t, <-reply, ErrAlreadyOpen)
	require.Empty(t, effects)
}

func TestReduceIdentity_FailureRejectsParkedSends(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state.CustomerID = ""
	state.Identity = IdentityUnknown
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "existing", "")})

	r1 := make(chan sendReply, 1)
	r2 := make(chan sendReply, 1)
	state, effects := Reduce(state, cmdSend{Content: "one", CorrelationID: "c1", NowMs: 1, Reply: r1})
	require.Equal(t, 1, countEffects[effResolveIdentity](effects))
	state, effects = Reduce(state, cmdSend{Content: "two", CorrelationID: "c2", NowMs: 2, Reply: r2})
	require.Empty(t, effects, "a second resolve must not start")
	require.Len(t, state.Messages, 1)

	cause := errors.New("profile lookup failed")
	state, effects = Reduce(state, evIdentityResolved{Err: cause})

	for _, r := range []chan sendReply{r1, r2} {
		res := <-r
		require.ErrorIs(t, res.Err, ErrIdentityUnavailable)
		require.ErrorIs(t, res.Err, cause)
		require.Empty(t, res.TempID)
	}
	alert, ok := findEffect[effAlert](effects)
	require.True(t, ok)
	require.Equal(t, alertIdentity, alert.Text)

	require.Equal(t, []string{"s1"}, ids(state))
	require.Empty(t, state.Pending)
	require.Equal(t, IdentityUnknown, state.Identity)
}

func TestReduceIdentity_SuccessReleasesParkedSendsInOrder(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state.CustomerID = ""
	state.Identity = IdentityUnknown

	r1 := make(chan sendReply, 1)
	r2 := make(chan sendReply, 1)
	state, _ = Reduce(state, cmdSend{Content: "one", CorrelationID: "c1", NowMs: 10, Reply: r1})
	state, _ = Reduce(state, cmdSend{Content: "two", CorrelationID: "c2", NowMs: 11, Reply: r2})

	state, effects := Reduce(state, evIdentityResolved{CustomerID: "cust-9"})
	require.Equal(t, 2, countEffects[effSendMessage](effects))
	send, _ := findEffect[effSendMessage](effects)
	require.Equal(t, "cust-9", send.CustomerID)

	require.Equal(t, "temp-10", (<-r1).TempID)
	require.Equal(t, "temp-11", (<-r2).TempID)
	require.Equal(t, []string{"temp-10", "temp-11"}, ids(state))
	require.Equal(t, IdentityKnown, state.Identity)
}

func TestReduceSendFailed_RetryConfirms(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	done := make(chan sendOutcome, 1)
	reply := make(chan sendReply, 1)
	state, _ = Reduce(state, cmdSend{Content: "hi", CorrelationID: "corr", NowMs: 7, Reply: reply, Done: done})
	tempID := (<-reply).TempID

	sendErr := errors.New("boom")
	state, effects := Reduce(state, evSendFailed{TempID: tempID, Err: sendErr})
	toast, ok := findEffect[effToast](effects)
	require.True(t, ok)
	require.Equal(t, toastSendFailed, toast.Text)
	require.Equal(t, StatusFailed, state.Messages[0].Status)

	out := <-done
	require.ErrorIs(t, out.Err, sendErr)
	require.Equal(t, StatusFailed, out.Message.Status)

	// Further sends are not blocked.
	state, _ = sendLocal(t, state, "next", "corr-2", 8)
	require.Len(t, state.Messages, 2)

	retry := make(chan error, 1)
	state, effects = Reduce(state, cmdRetry{TempID: tempID, Reply: retry})
	require.NoError(t, <-retry)
	send, ok := findEffect[effSendMessage](effects)
	require.True(t, ok)
	require.Equal(t, "corr", send.CorrelationID)
	require.Equal(t, "hi", send.Content)
	require.Equal(t, StatusPending, state.Messages[0].Status)

	state, _ = Reduce(state, evSendSucceeded{TempID: tempID, Message: serverMsg("s1", "hi", "corr")})
	require.Equal(t, "s1", state.Messages[0].ID)
	require.Equal(t, StatusConfirmed, state.Messages[0].Status)
}

func TestReduceDiscard(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, tempID := sendLocal(t, state, "hi", "corr", 7)

	reply := make(chan error, 1)
	_, _ = Reduce(state, cmdDiscard{TempID: tempID, Reply: reply})
	require.ErrorIs(t, <-reply, ErrNotFailed)

	_, _ = Reduce(state, cmdRetry{TempID: "temp-404", Reply: reply})
	require.ErrorIs(t, <-reply, ErrUnknownMessage)

	state, _ = Reduce(state, evSendFailed{TempID: tempID, Err: errors.New("boom")})
	state, effects := Reduce(state, cmdDiscard{TempID: tempID, Reply: reply})
	require.NoError(t, <-reply)
	require.Equal(t, 1, countEffects[effNotifyMessages](effects))
	require.Empty(t, state.Messages)
	require.Empty(t, state.Pending)
}

func TestReduceSendFailed_AfterPushIsIgnored(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, tempID := sendLocal(t, state, "hi", "corr", 7)
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "hi", "corr")})

	state, effects := Reduce(state, evSendFailed{TempID: tempID, Err: errors.New("timeout")})
	require.Empty(t, effects)
	require.Equal(t, StatusConfirmed, state.Messages[0].Status)
}

func TestReducePush_FailedMessageIsMatched(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, tempID := sendLocal(t, state, "hi", "corr", 7)
	state, _ = Reduce(state, evSendFailed{TempID: tempID, Err: errors.New("timeout")})

	// The server stored it anyway.
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "hi", "")})
	require.Equal(t, []string{"s1"}, ids(state))
	require.Empty(t, state.Pending)
}

func TestReducePush_CorrelationBeatsContent(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, first := sendLocal(t, state, "same", "corr-a", 1)
	state, second := sendLocal(t, state, "same", "corr-b", 2)

	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s2", "same", "corr-b")})

	require.Equal(t, []string{first, "s2"}, ids(state))
	require.Contains(t, state.Pending, first)
	require.NotContains(t, state.Pending, second)
}

func TestReducePush_UnknownCorrelationAppends(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, first := sendLocal(t, state, "same", "corr-a", 1)

	// Same text sent from another device.
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s2", "same", "corr-other")})

	require.Equal(t, []string{first, "s2"}, ids(state))
	require.Contains(t, state.Pending, first)
}

func TestReduceSendAck_HandsOffToNextContentMatch(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, a := sendLocal(t, state, "same", "corr-a", 1)
	state, b := sendLocal(t, state, "same", "corr-b", 2)

	// A push without correlation for B's server message content-matches A.
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("sb", "same", "")})
	require.Equal(t, []string{"sb", b}, ids(state))

	// A's ack finds A already confirmed and goes to B.
	state, _ = Reduce(state, evSendSucceeded{TempID: a, Message: serverMsg("sa", "same", "")})
	require.Equal(t, []string{"sb", "sa"}, ids(state))
	require.Empty(t, state.Pending)

	// B's ack is known by now.
	state, effects := Reduce(state, evSendSucceeded{TempID: b, Message: serverMsg("sb", "same", "")})
	require.Empty(t, effects)
	require.Len(t, state.Messages, 2)
}

func TestReducePush_ForeignConversationDropped(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	msg := serverMsg("s1", "elsewhere", "")
	msg.ConversationID = "conv-other"

	state, effects := Reduce(state, evMessagePushed{Message: msg})
	require.Empty(t, effects)
	require.Empty(t, state.Messages)
	require.EqualValues(t, 1, state.Stats.Foreign)
}

func TestReduceRefresh_MergeKeepsPendingAndSkipsKnown(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "old", "")})
	state, tempID := sendLocal(t, state, "draft", "corr", 5)

	reply := make(chan error, 1)
	state, effects := Reduce(state, cmdRefresh{Reply: reply})
	fetch, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, fetchRefresh, fetch.Kind)

	page := wire.ConversationPage{
		Page:     1,
		Messages: []wire.ChatMessage{serverMsg("s1", "old", ""), serverMsg("s2", "new", "")},
	}
	state, _ = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchRefresh, Page: page})
	require.NoError(t, <-reply)
	require.Equal(t, []string{"s1", tempID, "s2"}, ids(state))

	// Running the same refresh again changes nothing.
	state, _ = Reduce(state, cmdRefresh{})
	state, effects = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchRefresh, Page: page})
	require.Empty(t, effects)
	require.Equal(t, []string{"s1", tempID, "s2"}, ids(state))
}

func TestReduceRefresh_ContentMatchOnlyConfirmsOwnMessages(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	state := openedState(t)
	state, tempID := sendLocal(t, state, "thanks", "corr", sentAt.UnixMilli())

	staff := serverMsg("s1", "thanks", "")
	staff.SenderRole = "staff"
	staff.CreatedAt = sentAt.Add(time.Second)

	history := serverMsg("s2", "thanks", "")
	history.SenderRole = roleCustomer
	history.CreatedAt = sentAt.Add(-24 * time.Hour)

	state, _ = Reduce(state, cmdRefresh{})
	state, _ = Reduce(state, evPageFetched{
		ConversationID: testConversation,
		Kind:           fetchRefresh,
		Page:           wire.ConversationPage{Page: 1, Messages: []wire.ChatMessage{history, staff}},
	})
	require.Equal(t, []string{tempID, "s2", "s1"}, ids(state))
	require.Equal(t, StatusPending, state.Messages[0].Status)
	require.Contains(t, state.Pending, tempID)

	// Our own copy, stamped by the server slightly behind the device clock.
	own := serverMsg("s3", "thanks", "")
	own.SenderRole = roleCustomer
	own.CreatedAt = sentAt.Add(-10 * time.Second)

	state, _ = Reduce(state, cmdRefresh{})
	state, _ = Reduce(state, evPageFetched{
		ConversationID: testConversation,
		Kind:           fetchRefresh,
		Page:           wire.ConversationPage{Page: 1, Messages: []wire.ChatMessage{own}},
	})
	require.Equal(t, []string{"s3", "s2", "s1"}, ids(state))
	require.Equal(t, StatusConfirmed, state.Messages[0].Status)
	require.Empty(t, state.Pending)
}

func TestReducePush_ContentMatchIgnoresRole(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = sendLocal(t, state, "hello", "corr", 5)

	push := serverMsg("s1", "hello", "")
	push.SenderRole = "staff"
	state, _ = Reduce(state, evMessagePushed{Message: push})
	require.Equal(t, []string{"s1"}, ids(state))
	require.Empty(t, state.Pending)
}

func TestReduceFetch_FailureToastsAndKeepsList(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s1", "x", "")})

	reply := make(chan error, 1)
	state, _ = Reduce(state, cmdRefresh{Reply: reply})
	fetchErr := errors.New("503")
	state, effects := Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchRefresh, Err: fetchErr})

	require.ErrorIs(t, <-reply, fetchErr)
	toast, ok := findEffect[effToast](effects)
	require.True(t, ok)
	require.Equal(t, toastFetchFailed, toast.Text)
	require.Equal(t, []string{"s1"}, ids(state))
	require.False(t, state.Fetch.InFlight)
}

func TestReduceFetch_CoalescesAndQueues(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state.HasMore = true

	r1 := make(chan error, 1)
	r2 := make(chan error, 1)
	r3 := make(chan error, 1)
	state, effects := Reduce(state, cmdRefresh{Reply: r1})
	require.Equal(t, 1, countEffects[effFetchPage](effects))

	state, effects = Reduce(state, cmdRefresh{Reply: r2})
	require.Empty(t, effects, "second refresh joins the one in flight")

	state, effects = Reduce(state, cmdLoadOlder{Reply: r3})
	require.Empty(t, effects, "older page waits for the refresh")

	state, effects = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchRefresh, Page: wire.ConversationPage{Page: 1, HasMore: true}})
	require.NoError(t, <-r1)
	require.NoError(t, <-r2)

	fetch, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, fetchOlder, fetch.Kind)
	require.Equal(t, 2, fetch.Page)

	_, _ = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchOlder, Page: wire.ConversationPage{Page: 2}})
	require.NoError(t, <-r3)
}

func TestReduceLoadOlder_Prepends(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state.HasMore = true
	state, _ = Reduce(state, evMessagePushed{Message: serverMsg("s3", "newest", "")})

	state, _ = Reduce(state, cmdLoadOlder{})
	page := wire.ConversationPage{
		Page:     2,
		HasMore:  false,
		Messages: []wire.ChatMessage{serverMsg("s1", "a", ""), serverMsg("s2", "b", ""), serverMsg("s3", "newest", "")},
	}
	state, _ = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchOlder, Page: page})

	require.Equal(t, []string{"s1", "s2", "s3"}, ids(state))
	require.Equal(t, 2, state.OldestPage)
	require.False(t, state.HasMore)

	// Nothing older left.
	reply := make(chan error, 1)
	_, effects := Reduce(state, cmdLoadOlder{Reply: reply})
	require.NoError(t, <-reply)
	require.Empty(t, effects)
}

func TestReduceRefresh_NoConversation(t *testing.T) {
	t.Parallel()

	reply := make(chan error, 1)
	_, effects := Reduce(NewState(), cmdRefresh{Reply: reply})
	require.ErrorIs(t, <-reply, ErrNoConversation)
	require.Empty(t, effects)
}

func TestReducePolling_FollowsLinkState(t *testing.T) {
	t.Parallel()

	state := openedState(t)

	state, effects := Reduce(state, evSubscribed{Connected: false})
	require.Equal(t, 1, countEffects[effStartPolling](effects))
	require.True(t, state.Polling)

	state, effects = Reduce(state, evPollTick{})
	fetch, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, fetchPoll, fetch.Kind)

	// A tick while the poll is in flight is dropped.
	state, effects = Reduce(state, evPollTick{})
	require.Empty(t, effects)
	state, _ = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchPoll})

	state, effects = Reduce(state, evConnected{})
	require.Equal(t, 1, countEffects[effStopPolling](effects))
	changed, ok := findEffect[effConnectionChanged](effects)
	require.True(t, ok)
	require.True(t, changed.Connected)
	catchUp, ok := findEffect[effFetchPage](effects)
	require.True(t, ok)
	require.Equal(t, fetchCatchUp, catchUp.Kind)
	require.False(t, state.Polling)

	state, _ = Reduce(state, evPageFetched{ConversationID: testConversation, Kind: fetchCatchUp})
	_, effects = Reduce(state, evPollTick{})
	require.Empty(t, effects)

	state, effects = Reduce(state, evDisconnected{Reason: "transport close"})
	require.Equal(t, 1, countEffects[effStartPolling](effects))
	require.EqualValues(t, 1, state.Stats.Polls)
}

func TestReduceClose(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = Reduce(state, evSubscribed{Connected: false})

	parkedReply := make(chan sendReply, 1)
	state.Identity = IdentityResolving
	state, _ = Reduce(state, cmdSend{Content: "later", CorrelationID: "c", Reply: parkedReply})

	closeReply := make(chan error, 1)
	state, effects := Reduce(state, cmdClose{Reply: closeReply})

	require.ErrorIs(t, (<-parkedReply).Err, ErrClosed)
	require.Equal(t, 1, countEffects[effStopPolling](effects))
	leave, ok := findEffect[effLeaveRoom](effects)
	require.True(t, ok)
	require.Equal(t, testConversation, leave.ConversationID)
	require.Equal(t, 1, countEffects[effUnsubscribe](effects))
	_, last := effects[len(effects)-1].(effCompleteClose)
	require.True(t, last)

	// Late results are ignored and commands are rejected.
	next, effects := Reduce(state, evMessagePushed{Message: serverMsg("s1", "late", "")})
	require.Empty(t, effects)
	require.Empty(t, next.Messages)

	reply := make(chan sendReply, 1)
	_, _ = Reduce(state, cmdSend{Content: "x", Reply: reply})
	require.ErrorIs(t, (<-reply).Err, ErrClosed)
}

func TestReduceSubscribed_StaleLinkStateIgnored(t *testing.T) {
	t.Parallel()

	state := openedState(t)
	state, _ = Reduce(state, evConnected{})

	state, effects := Reduce(state, evSubscribed{Connected: false})
	require.Empty(t, effects)
	require.True(t, state.Connected)
	require.False(t, state.Polling)
}
