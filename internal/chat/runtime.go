package chat

import (
	"context"
	"sync"
	"time"

	framework "github.com/bhandras/chatsync/internal/actor"
	"github.com/bhandras/chatsync/internal/websocket"
	"github.com/bhandras/chatsync/internal/wire"
	"github.com/bhandras/chatsync/pkg/logger"
	"golang.org/x/time/rate"
)

// Runtime interprets reconciler effects: network calls, room membership,
// persistence, polling and listener delivery.
//
// Runtime never touches reconciler state. Results go back to the actor
// mailbox through emit.
type Runtime struct {
	api      MessageAPI
	realtime Realtime
	store    ConversationStore
	listener Listener

	pageSize     int
	pollInterval time.Duration
	limiter      *rate.Limiter

	dispatch *dispatcher

	mu         sync.Mutex
	stopped    bool
	unsubs     []func()
	rooms      map[string]int
	pollCancel context.CancelFunc
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []framework.Effect, emit func(framework.Input)) {
	for _, eff := range effects {
		if done, ok := eff.(effCompleteClose); ok {
			// Answer Close even when the scope is already gone.
			replyErr(done.Reply, nil)
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case effLoadConversation:
			go r.loadConversation(ctx, emit)
		case effPersistConversation:
			r.persistConversation(ctx, e)
		case effSubscribe:
			r.subscribe(emit)
		case effUnsubscribe:
			r.unsubscribe()
		case effJoinRoom:
			r.joinRoom(e.ConversationID)
		case effLeaveRoom:
			r.leaveRoom(e.ConversationID)
		case effFetchPage:
			go r.fetchPage(ctx, e, emit)
		case effSendMessage:
			go r.sendMessage(ctx, e, emit)
		case effResolveIdentity:
			go r.resolveIdentity(ctx, emit)
		case effStartPolling:
			r.startPolling(ctx, emit)
		case effStopPolling:
			r.stopPolling()
		case effNotifyMessages:
			r.notify(func(l Listener) { l.OnMessages(e.Messages) })
		case effToast:
			r.notify(func(l Listener) { l.OnToast(e.Text) })
		case effAlert:
			r.notify(func(l Listener) { l.OnAlert(e.Text) })
		case effConnectionChanged:
			r.notify(func(l Listener) { l.OnConnectionChanged(e.Connected) })
		default:
			// Unknown effect: ignore.
		}
	}
}

// Stop implements actor.Runtime. Rooms still held are left, so a scope that
// ends without Close does not keep a shared connection in the room.
func (r *Runtime) Stop() {
	r.stopPolling()
	r.unsubscribe()
	r.leaveAllRooms()
	r.dispatch.close()
}

func (r *Runtime) joinRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if err := r.realtime.Join(id); err != nil {
		logger.Warnf("chat: join %s failed: %v", id, err)
		return
	}
	if r.rooms == nil {
		r.rooms = make(map[string]int)
	}
	r.rooms[id]++
}

func (r *Runtime) leaveRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[id] == 0 {
		return
	}
	if r.rooms[id]--; r.rooms[id] == 0 {
		delete(r.rooms, id)
	}
	if err := r.realtime.Leave(id); err != nil {
		logger.Warnf("chat: leave %s failed: %v", id, err)
	}
}

func (r *Runtime) leaveAllRooms() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, n := range r.rooms {
		for ; n > 0; n-- {
			if err := r.realtime.Leave(id); err != nil {
				logger.Warnf("chat: leave %s failed: %v", id, err)
			}
		}
	}
	r.rooms = nil
}

func (r *Runtime) notify(fn func(Listener)) {
	if r.listener == nil {
		return
	}
	r.dispatch.do(func() { fn(r.listener) })
}

func (r *Runtime) loadConversation(ctx context.Context, emit func(framework.Input)) {
	id, err := r.store.LoadConversationID(ctx)
	if err != nil {
		logger.Warnf("chat: load conversation id failed: %v", err)
	}
	emit(evConversationLoaded{ConversationID: id, Err: err})
}

func (r *Runtime) persistConversation(ctx context.Context, eff effPersistConversation) {
	if err := r.store.SaveConversationID(ctx, eff.ConversationID); err != nil {
		logger.Warnf("chat: persist conversation id failed: %v", err)
		return
	}
	logger.Debugf("chat: persisted conversation %s", eff.ConversationID)
}

func (r *Runtime) subscribe(emit func(framework.Input)) {
	unsubs := []func(){
		r.realtime.Subscribe(websocket.EventMessageNew, func(payload map[string]any) {
			msg, err := wire.DecodeEventPayload(payload)
			if err != nil {
				logger.Debugf("chat: dropping undecodable message:new: %v", err)
				return
			}
			emit(evMessagePushed{Message: msg})
		}),
		r.realtime.OnConnect(func() { emit(evConnected{}) }),
		r.realtime.OnDisconnect(func(reason string) { emit(evDisconnected{Reason: reason}) }),
	}

	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubs...)
	r.mu.Unlock()

	connected := r.realtime.IsConnected()
	go emit(evSubscribed{Connected: connected})
}

func (r *Runtime) unsubscribe() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (r *Runtime) fetchPage(ctx context.Context, eff effFetchPage, emit func(framework.Input)) {
	// Fetches are paced; a fetch over the budget waits rather than failing.
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	logger.Debugf("chat: fetch %s page=%d conversation=%s", eff.Kind, eff.Page, eff.ConversationID)

	page, err := r.api.FetchConversation(ctx, eff.ConversationID, eff.Page, r.pageSize)
	if err != nil {
		logger.Warnf("chat: fetch %s failed: %v", eff.Kind, err)
	}
	emit(evPageFetched{
		ConversationID: eff.ConversationID,
		Kind:           eff.Kind,
		Page:           page,
		Err:            err,
	})
}

func (r *Runtime) sendMessage(ctx context.Context, eff effSendMessage, emit func(framework.Input)) {
	resp, err := r.api.SendMessage(ctx, wire.SendMessageRequest{
		CustomerID:      eff.CustomerID,
		Content:         eff.Content,
		ConversationID:  eff.ConversationID,
		ClientMessageID: eff.CorrelationID,
	})
	if err != nil {
		logger.Warnf("chat: send %s failed: %v", eff.TempID, err)
		emit(evSendFailed{TempID: eff.TempID, Err: err})
		return
	}
	emit(evSendSucceeded{
		TempID:         eff.TempID,
		Message:        resp.Data.Message,
		ConversationID: resp.ConversationID(),
	})
}

func (r *Runtime) resolveIdentity(ctx context.Context, emit func(framework.Input)) {
	id, err := r.api.ResolveCustomerID(ctx)
	if err != nil {
		logger.Warnf("chat: resolve customer id failed: %v", err)
	}
	emit(evIdentityResolved{CustomerID: id, Err: err})
}

func (r *Runtime) startPolling(ctx context.Context, emit func(framework.Input)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	r.pollCancel = cancel

	logger.Debugf("chat: realtime down, polling every %s", r.pollInterval)
	go func() {
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				emit(evPollTick{})
			}
		}
	}()
}

func (r *Runtime) stopPolling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollCancel == nil {
		return
	}
	r.pollCancel()
	r.pollCancel = nil
}
