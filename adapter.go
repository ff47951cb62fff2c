package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Push event names as the server broadcasts them.
const (
	EventNewMessageReceived  = "NewMessageReceived"
	EventMessage             = "MessageEvent"
	EventMessageCreated      = "MessageCreatedEvent"
	EventMessageUpdated      = "MessageUpdatedEvent"
	EventMessageDeleted      = "MessageDeletedEvent"
	EventConversationCreated = "ConversationCreated"
	EventConversationDeleted = "ConversationDeleted"
)

func UserChannel(userID string) string { return "private-user." + userID }

func ConversationChannel(conversationID string) string {
	return "private-conversation." + conversationID
}

var errMalformedEvent = errors.New("malformed push event")

// ============================================================================
// Wire decoders
// ============================================================================

// Each wire shape the server has used maps onto MessageEvent or
// ConversationEvent here and nowhere else.

type wireMessage struct {
	Message *Message `json:"message"`
}

type wireMessageDeleted struct {
	ConversationID string   `json:"conversationId"`
	DeletedID      string   `json:"deletedId"`
	WasLastMessage bool     `json:"wasLastMessage"`
	NewLastMessage *Message `json:"newLastMessage"`
}

type wireConversationCreated struct {
	Conversation *Conversation `json:"conversation"`
}

type wireConversationDeleted struct {
	ID string `json:"id"`
}

func decodeMessagePayload(op MessageOperation, data json.RawMessage) (MessageEvent, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if w.Message == nil || w.Message.ID == "" {
		return MessageEvent{}, fmt.Errorf("%w: %s without message", errMalformedEvent, op)
	}
	return MessageEvent{Operation: op, Message: w.Message, ConversationID: w.Message.ConversationID}, nil
}

func decodeMessageDeleted(data json.RawMessage) (MessageEvent, error) {
	var w wireMessageDeleted
	if err := json.Unmarshal(data, &w); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if w.DeletedID == "" {
		return MessageEvent{}, fmt.Errorf("%w: delete without deletedId", errMalformedEvent)
	}
	return MessageEvent{
		Operation:      OpDelete,
		DeletedID:      w.DeletedID,
		ConversationID: w.ConversationID,
		WasLastMessage: w.WasLastMessage,
		NewLastMessage: w.NewLastMessage,
	}, nil
}

// decodeMessageEvent reads the discriminated MessageEvent shape.
func decodeMessageEvent(data json.RawMessage) (MessageEvent, error) {
	var head struct {
		Operation MessageOperation `json:"operation"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	switch head.Operation {
	case OpCreate, OpUpdate:
		return decodeMessagePayload(head.Operation, data)
	case OpDelete:
		return decodeMessageDeleted(data)
	}
	return MessageEvent{}, fmt.Errorf("%w: unknown operation %q", errMalformedEvent, head.Operation)
}

func decodeConversationCreated(data json.RawMessage) (ConversationEvent, error) {
	var w wireConversationCreated
	if err := json.Unmarshal(data, &w); err != nil {
		return ConversationEvent{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if w.Conversation == nil || w.Conversation.ID == "" {
		return ConversationEvent{}, fmt.Errorf("%w: conversation created without conversation", errMalformedEvent)
	}
	return ConversationEvent{Kind: ConversationCreated, Conversation: w.Conversation, ConversationID: w.Conversation.ID}, nil
}

func decodeConversationDeleted(data json.RawMessage) (ConversationEvent, error) {
	var w wireConversationDeleted
	if err := json.Unmarshal(data, &w); err != nil {
		return ConversationEvent{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if w.ID == "" {
		return ConversationEvent{}, fmt.Errorf("%w: conversation deleted without id", errMalformedEvent)
	}
	return ConversationEvent{Kind: ConversationDeleted, ConversationID: w.ID}, nil
}

var messageDecoders = map[string]func(json.RawMessage) (MessageEvent, error){
	EventNewMessageReceived: func(d json.RawMessage) (MessageEvent, error) { return decodeMessagePayload(OpCreate, d) },
	EventMessage:            decodeMessageEvent,
	EventMessageCreated:     func(d json.RawMessage) (MessageEvent, error) { return decodeMessagePayload(OpCreate, d) },
	EventMessageUpdated:     func(d json.RawMessage) (MessageEvent, error) { return decodeMessagePayload(OpUpdate, d) },
	EventMessageDeleted:     decodeMessageDeleted,
}

var conversationDecoders = map[string]func(json.RawMessage) (ConversationEvent, error){
	EventConversationCreated: decodeConversationCreated,
	EventConversationDeleted: decodeConversationDeleted,
}

// ============================================================================
// Adapter
// ============================================================================

// ChannelSubscriber joins push channels. *PushClient implements it.
type ChannelSubscriber interface {
	Subscribe(ctx context.Context, name string) (*Channel, error)
}

// EventHandlers receive normalized events. Either may be nil.
type EventHandlers struct {
	OnMessage      func(MessageEvent)
	OnConversation func(ConversationEvent)
}

// EventAdapter translates push channel payloads into normalized events. It keeps
// no state besides the subscriptions it hands out.
type EventAdapter struct {
	push     ChannelSubscriber
	handlers EventHandlers
	logger   *zap.Logger
}

func NewEventAdapter(push ChannelSubscriber, handlers EventHandlers, logger *zap.Logger) *EventAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventAdapter{push: push, handlers: handlers, logger: logger}
}

// Subscription is one watched channel. Close unbinds every handler and leaves
// the channel; it is safe to call more than once.
type Subscription struct {
	channel *Channel
	unbinds []func()
	once    sync.Once
	err     error
}

func (s *Subscription) Channel() string { return s.channel.Name() }

func (s *Subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		for _, unbind := range s.unbinds {
			unbind()
		}
		s.err = s.channel.Unsubscribe(ctx)
	})
	return s.err
}

// WatchUser subscribes to the user's own channel, which carries message and
// conversation events for every conversation the user takes part in.
func (a *EventAdapter) WatchUser(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, errors.New("watch user: empty user id")
	}
	events := []string{
		EventNewMessageReceived,
		EventMessage,
		EventMessageCreated,
		EventMessageUpdated,
		EventMessageDeleted,
		EventConversationCreated,
		EventConversationDeleted,
	}
	return a.watch(ctx, UserChannel(userID), events)
}

// WatchConversation subscribes to the channel of the open conversation.
func (a *EventAdapter) WatchConversation(ctx context.Context, conversationID string) (*Subscription, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	return a.watch(ctx, ConversationChannel(conversationID), []string{EventMessage})
}

func (a *EventAdapter) watch(ctx context.Context, channel string, events []string) (*Subscription, error) {
	ch, err := a.push.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &Subscription{channel: ch}
	for _, event := range events {
		sub.unbinds = append(sub.unbinds, ch.Bind(event, a.handler(channel, event)))
	}
	a.logger.Debug("channel_watched", zap.String("channel", channel), zap.Int("events", len(events)))
	return sub, nil
}

func (a *EventAdapter) handler(channel, event string) EventHandler {
	if decode, ok := messageDecoders[event]; ok {
		return func(data json.RawMessage) {
			ev, err := decode(data)
			if err != nil {
				a.logger.Warn("push_event_dropped", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
				return
			}
			if a.handlers.OnMessage != nil {
				a.handlers.OnMessage(ev)
			}
		}
	}
	decode := conversationDecoders[event]
	return func(data json.RawMessage) {
		ev, err := decode(data)
		if err != nil {
			a.logger.Warn("push_event_dropped", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
			return
		}
		if a.handlers.OnConversation != nil {
			a.handlers.OnConversation(ev)
		}
	}
}
