package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Change feed
// ============================================================================

type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeMutation      ChangeKind = "mutation"
)

// Change tells subscribers which slice of state moved. ConversationID is empty
// for whole-store changes such as a bulk load or a reset.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// ChangeHandler receives change notifications after the mutation is complete.
type ChangeHandler func(Change)

type changeFeed struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]ChangeHandler
}

func newChangeFeed() *changeFeed {
	return &changeFeed{listeners: make(map[int]ChangeHandler)}
}

func (f *changeFeed) subscribe(h ChangeHandler) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.listeners[id] = h
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

func (f *changeFeed) emit(c Change) {
	f.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(f.listeners))
	for _, h := range f.listeners {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a broken subscriber must not break ingestion
			h(c)
		}()
	}
}

// ============================================================================
// Store
// ============================================================================

// Store is the session-wide shared state: the conversation directory and the
// message cache, plus the one ingestion path used by push events and confirmed
// local mutations alike. Reads return snapshots; Subscribe reports changes.
type Store struct {
	Directory *Directory
	Messages  *MessageCache

	feed    *changeFeed
	logger  *zap.Logger
	metrics *Metrics

	mu            sync.RWMutex
	currentUserID string
}

type StoreOption func(*Store)

func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an empty store whose cache pages through fetcher.
func NewStore(fetcher PageFetcher, opts ...StoreOption) *Store {
	s := &Store{
		feed:   newChangeFeed(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Directory = newDirectory(s.feed)
	s.Messages = newMessageCache(fetcher, s.feed, s.logger, s.metrics)
	return s
}

// Subscribe registers h for change notifications and returns the function that removes it.
func (s *Store) Subscribe(h ChangeHandler) (unsubscribe func()) {
	return s.feed.subscribe(h)
}

// SetCurrentUser sets the identity used to suppress unread flags on own messages.
func (s *Store) SetCurrentUser(userID string) {
	s.mu.Lock()
	s.currentUserID = userID
	s.mu.Unlock()
}

func (s *Store) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUserID
}

// ApplyMessageEvent ingests a normalized message event from any source.
// Creates go cache-first so the directory mirrors the cache; updates and deletes
// go directory-first. Every branch is idempotent: repeating an event or
// targeting an unknown id changes nothing. It reports whether anything changed.
func (s *Store) ApplyMessageEvent(source string, ev MessageEvent) bool {
	var changed bool
	switch ev.Operation {
	case OpCreate:
		if ev.Message == nil {
			return false
		}
		// The cache remembers every created id, so a redelivered create stops here
		// and never reaches the directory.
		changed = s.Messages.ApplyCreate(*ev.Message)
		if changed {
			s.Directory.OnNewMessage(*ev.Message, s.CurrentUser())
		}
	case OpUpdate:
		if ev.Message == nil {
			return false
		}
		listed := s.Directory.OnMessageUpdated(*ev.Message)
		cached := s.Messages.ApplyUpdate(*ev.Message)
		changed = cached || listed
	case OpDelete:
		convID := ev.TargetConversation()
		listed := s.Directory.OnMessageDeleted(convID, ev.DeletedID, ev.WasLastMessage, ev.NewLastMessage)
		cached := s.Messages.ApplyDelete(convID, ev.DeletedID)
		changed = cached || listed
	default:
		s.logger.Debug("unknown_message_operation", zap.String("operation", string(ev.Operation)))
		return false
	}

	if changed {
		s.metrics.eventApplied(source, string(ev.Operation))
	} else {
		s.metrics.eventIgnored(string(ev.Operation))
		s.logger.Debug("message_event_absorbed",
			zap.String("source", source),
			zap.String("operation", string(ev.Operation)),
			zap.String("conversation_id", ev.TargetConversation()),
		)
	}
	return changed
}

// ApplyConversationEvent ingests a conversation create or delete.
func (s *Store) ApplyConversationEvent(source string, ev ConversationEvent) bool {
	var changed bool
	switch ev.Kind {
	case ConversationCreated:
		if ev.Conversation == nil {
			return false
		}
		changed = s.Directory.Add(*ev.Conversation)
	case ConversationDeleted:
		changed = s.Directory.Remove(ev.ConversationID)
		if changed {
			s.Messages.Forget(ev.ConversationID)
		}
	default:
		return false
	}

	kind := "conversation." + string(ev.Kind)
	if changed {
		s.metrics.eventApplied(source, kind)
	} else {
		s.metrics.eventIgnored(kind)
	}
	return changed
}

// Reset clears all session state so nothing leaks into the next login.
func (s *Store) Reset() {
	s.SetCurrentUser("")
	s.Messages.Reset()
	s.Directory.Reset()
}
