package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// API is the data API a session runs against. *Client implements it.
type API interface {
	PageFetcher
	Mutator
	CurrentUser(ctx context.Context) (*User, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
}

type socketAware interface {
	SetSocketID(id string)
}

// Session ties the sync engine together for one authenticated user: it
// bootstraps the store, keeps the user and open-conversation channel
// subscriptions, and tears everything down on logout.
type Session struct {
	api         API
	push        *PushClient
	store       *Store
	coordinator *Coordinator
	adapter     *EventAdapter
	logger      *zap.Logger
	metrics     *Metrics

	// lifecycle serializes Start, Open and Logout.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	user     *User
	userSub  *Subscription
	convSub  *Subscription
	openID   string
	viewport *ViewportController
}

type SessionOption func(*Session)

func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession wires a store, coordinator and event adapter around api. push may
// be nil, in which case only local mutations and fetches update the store.
func NewSession(api API, push *PushClient, opts ...SessionOption) *Session {
	s := &Session{
		api:    api,
		push:   push,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = NewStore(api, WithStoreLogger(s.logger), WithStoreMetrics(s.metrics))
	s.coordinator = NewCoordinator(api, s.store,
		WithCoordinatorLogger(s.logger),
		WithCoordinatorMetrics(s.metrics),
	)

	if push != nil {
		s.adapter = NewEventAdapter(push, EventHandlers{
			OnMessage: func(ev MessageEvent) {
				s.store.ApplyMessageEvent(SourcePush, ev)
			},
			OnConversation: func(ev ConversationEvent) {
				s.store.ApplyConversationEvent(SourcePush, ev)
			},
		}, s.logger)

		if sa, ok := api.(socketAware); ok {
			push.OnConnected(sa.SetSocketID)
			push.OnDisconnected(func(string) { sa.SetSocketID("") })
		}
	}
	return s
}

func (s *Session) Store() *Store { return s.store }

func (s *Session) Mutations() *Coordinator { return s.coordinator }

// User returns the logged-in user, or nil before Start.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// OpenConversation returns the id of the open conversation, or "".
func (s *Session) OpenConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID
}

// AttachViewport creates the scroll controller for the message list of the
// open conversation. It is reset on every Open.
func (s *Session) AttachViewport(view ScrollView, opts ...ViewportOption) *ViewportController {
	opts = append([]ViewportOption{WithViewportLogger(s.logger)}, opts...)
	vc := NewViewportController(view, s.store.Messages, opts...)
	s.mu.Lock()
	if s.viewport != nil {
		s.viewport.Stop()
	}
	s.viewport = vc
	openID := s.openID
	s.mu.Unlock()
	vc.Reset(openID)
	return vc
}

// Start clears any previous state, loads the user and the conversation list,
// connects the push channel and watches the user's channel.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.teardown(ctx); err != nil {
		s.logger.Warn("session_teardown_failed", zap.Error(err))
	}
	s.store.Reset()

	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("load current user: %w", err)
	}
	s.store.SetCurrentUser(user.ID)

	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	s.store.Directory.SetAll(convs)

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	if s.push == nil {
		s.logger.Info("session_started", zap.String("user_id", user.ID), zap.Int("conversations", len(convs)))
		return nil
	}

	if err := s.push.Connect(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	if sa, ok := s.api.(socketAware); ok {
		sa.SetSocketID(s.push.SocketID())
	}
	sub, err := s.adapter.WatchUser(ctx, user.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.userSub = sub
	s.mu.Unlock()

	s.logger.Info("session_started",
		zap.String("user_id", user.ID),
		zap.Int("conversations", len(convs)),
		zap.String("socket_id", s.push.SocketID()),
	)
	return nil
}

// Open makes a conversation, addressed by id or user tag, the viewed one: it
// is marked read, its channel replaces the previous conversation's channel and
// its first page is loaded. An empty key closes the current conversation.
func (s *Session) Open(ctx context.Context, key string) error {
	s.lifecycle.Lock()

	id := key
	if resolved, ok := s.store.Directory.Resolve(key); ok {
		id = resolved
	}

	s.mu.Lock()
	prev, prevSub := s.openID, s.convSub
	if prev == id && (prevSub != nil || s.adapter == nil) && id != "" {
		s.mu.Unlock()
		s.lifecycle.Unlock()
		_, err := s.store.Messages.Load(ctx, id)
		return err
	}
	s.openID = id
	s.convSub = nil
	vc := s.viewport
	s.mu.Unlock()

	if prevSub != nil {
		if err := prevSub.Close(ctx); err != nil {
			s.logger.Warn("conversation_unwatch_failed", zap.String("conversation_id", prev), zap.Error(err))
		}
	}
	s.store.Directory.SetActive(id)
	if vc != nil {
		vc.Reset(id)
	}
	if id == "" {
		s.lifecycle.Unlock()
		return nil
	}

	if s.adapter != nil {
		sub, err := s.adapter.WatchConversation(ctx, id)
		if err != nil {
			s.logger.Warn("conversation_watch_failed", zap.String("conversation_id", id), zap.Error(err))
		} else {
			s.mu.Lock()
			s.convSub = sub
			s.mu.Unlock()
		}
	}
	s.lifecycle.Unlock()

	if err := s.coordinator.MarkRead(ctx, id); err != nil {
		s.logger.Warn("mark_read_failed", zap.String("conversation_id", id), zap.Error(err))
	}
	if _, err := s.store.Messages.Load(ctx, id); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	return nil
}

// Messages returns the open conversation's history, newest first.
func (s *Session) Messages() []Message {
	return s.store.Messages.Messages(s.OpenConversation())
}

// LoadMore fetches the next older page of the open conversation.
func (s *Session) LoadMore(ctx context.Context) error {
	id := s.OpenConversation()
	if id == "" {
		return ErrNoConversation
	}
	return s.store.Messages.LoadMore(ctx, id)
}

// RefreshConversation replaces a directory entry with the server's copy.
func (s *Session) RefreshConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	s.store.Directory.Upsert(*conv)
	return conv, nil
}

// Logout drops every subscription, disconnects and clears all state so the
// next login starts empty.
func (s *Session) Logout(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	err := s.teardown(ctx)
	if s.push != nil {
		err = errors.Join(err, s.push.Disconnect())
	}
	if sa, ok := s.api.(socketAware); ok {
		sa.SetSocketID("")
	}
	s.store.Reset()
	s.logger.Info("session_ended")
	return err
}

// teardown closes every channel subscription. Callers hold lifecycle.
func (s *Session) teardown(ctx context.Context) error {
	s.mu.Lock()
	userSub, convSub := s.userSub, s.convSub
	s.userSub, s.convSub = nil, nil
	s.openID = ""
	s.user = nil
	vc := s.viewport
	s.mu.Unlock()

	if vc != nil {
		vc.Reset("")
	}
	var errs []error
	for _, sub := range []*Subscription{convSub, userSub} {
		if sub == nil {
			continue
		}
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
