package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MutationKind string

const (
	MutationSend     MutationKind = "send"
	MutationEdit     MutationKind = "edit"
	MutationDelete   MutationKind = "delete"
	MutationMarkRead MutationKind = "mark_read"
)

type MutationState string

const (
	StateIdle     MutationState = "idle"
	StateSending  MutationState = "sending"
	StateUpdating MutationState = "updating"
	StateDeleting MutationState = "deleting"
	StateApplied  MutationState = "applied"
	StateFailed   MutationState = "failed"
)

func (k MutationKind) pendingState() MutationState {
	switch k {
	case MutationSend:
		return StateSending
	case MutationEdit:
		return StateUpdating
	case MutationDelete:
		return StateDeleting
	}
	return StateIdle
}

// Mutation is one user-initiated request tracked from issue to outcome.
type Mutation struct {
	ID             string
	Kind           MutationKind
	ConversationID string
	MessageID      string
	State          MutationState
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Mutator is the subset of the data API the coordinator drives. *Client implements it.
type Mutator interface {
	SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*SendResult, error)
	UpdateMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (*DeleteResult, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// Coordinator issues send, edit, delete and mark-as-read requests and feeds the
// confirmed results into the store through the same path push events take.
// Nothing is applied before the server confirms, so a failure leaves the store
// untouched and only the caller has state to restore.
type Coordinator struct {
	api     Mutator
	store   *Store
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	inflight map[string]*Mutation
	onChange func(Mutation)
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// OnMutation registers a hook called on every state transition.
func OnMutation(fn func(Mutation)) CoordinatorOption {
	return func(c *Coordinator) { c.onChange = fn }
}

func NewCoordinator(api Mutator, store *Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		api:      api,
		store:    store,
		logger:   zap.NewNop(),
		inflight: make(map[string]*Mutation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts a message. On success the new conversation, if the server created
// one, is added first, then the message goes into the cache and the directory.
func (c *Coordinator) Send(ctx context.Context, conversationID string, in SendMessageInput) (*Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	m := c.begin(MutationSend, conversationID, "")
	res, err := c.api.SendMessage(ctx, conversationID, in)
	if err != nil {
		c.finish(m, err)
		return nil, fmt.Errorf("send message: %w", err)
	}

	msg := res.Message
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
		if res.Conversation != nil {
			msg.ConversationID = res.Conversation.ID
		}
	}
	if res.Conversation != nil {
		c.store.ApplyConversationEvent(SourceLocal, ConversationEvent{
			Kind:         ConversationCreated,
			Conversation: res.Conversation,
		})
	}
	c.store.ApplyMessageEvent(SourceLocal, MessageEvent{Operation: OpCreate, Message: &msg})

	m.MessageID = msg.ID
	c.finish(m, nil)
	return &msg, nil
}

// Edit replaces a message's content.
func (c *Coordinator) Edit(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	m := c.begin(MutationEdit, conversationID, messageID)
	msg, err := c.api.UpdateMessage(ctx, conversationID, messageID, content)
	if err != nil {
		c.finish(m, err)
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.ID == "" {
		msg.ID = messageID
	}
	c.store.ApplyMessageEvent(SourceLocal, MessageEvent{Operation: OpUpdate, Message: msg})

	c.finish(m, nil)
	return msg, nil
}

// Delete removes a message. The directory takes the replacement last message
// from the server response rather than recomputing it.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) (*DeleteResult, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	m := c.begin(MutationDelete, conversationID, messageID)
	res, err := c.api.DeleteMessage(ctx, conversationID, messageID)
	if err != nil {
		c.finish(m, err)
		return nil, fmt.Errorf("delete message: %w", err)
	}
	c.store.ApplyMessageEvent(SourceLocal, MessageEvent{
		Operation:      OpDelete,
		DeletedID:      res.DeletedID,
		ConversationID: conversationID,
		WasLastMessage: res.WasLastMessage,
		NewLastMessage: res.NewLastMessage,
	})

	c.finish(m, nil)
	return res, nil
}

// MarkRead tells the server the conversation was read and clears the unread flag.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	m := c.begin(MutationMarkRead, conversationID, "")
	if err := c.api.MarkAsRead(ctx, conversationID); err != nil {
		c.finish(m, err)
		return fmt.Errorf("mark as read: %w", err)
	}
	c.store.Directory.MarkRead(conversationID)
	c.finish(m, nil)
	return nil
}

// Pending returns the mutations still waiting on the server, oldest first.
func (c *Coordinator) Pending() []Mutation {
	c.mu.Lock()
	out := make([]Mutation, 0, len(c.inflight))
	for _, m := range c.inflight {
		out = append(out, *m)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ── state transitions ────────────────────────────────────

func (c *Coordinator) begin(kind MutationKind, conversationID, messageID string) *Mutation {
	m := &Mutation{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      messageID,
		State:          kind.pendingState(),
		StartedAt:      time.Now(),
	}
	c.mu.Lock()
	c.inflight[m.ID] = m
	c.mu.Unlock()
	c.notify(*m)
	return m
}

func (c *Coordinator) finish(m *Mutation, err error) {
	c.mu.Lock()
	delete(c.inflight, m.ID)
	m.FinishedAt = time.Now()
	if err != nil {
		m.State = StateFailed
		m.Err = err
	} else {
		m.State = StateApplied
	}
	snapshot := *m
	c.mu.Unlock()

	if err != nil {
		c.metrics.mutation(m.Kind, "error")
		c.logger.Warn("mutation_failed",
			zap.String("mutation_id", m.ID),
			zap.String("kind", string(m.Kind)),
			zap.String("conversation_id", m.ConversationID),
			zap.Error(err),
		)
	} else {
		c.metrics.mutation(m.Kind, "ok")
		c.logger.Debug("mutation_applied",
			zap.String("mutation_id", m.ID),
			zap.String("kind", string(m.Kind)),
			zap.String("message_id", m.MessageID),
			zap.Duration("took", m.FinishedAt.Sub(m.StartedAt)),
		)
	}
	c.notify(snapshot)
}

func (c *Coordinator) notify(m Mutation) {
	if c.onChange != nil {
		c.onChange(m)
	}
	c.store.feed.emit(Change{Kind: ChangeMutation, ConversationID: m.ConversationID})
}
