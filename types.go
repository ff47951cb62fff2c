package chatsync

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNoConversation is returned when an operation needs a conversation id and got none.
	ErrNoConversation = errors.New("chatsync: no conversation selected")
	// ErrEmptyMessage is returned by Send when neither content nor attachment is set.
	ErrEmptyMessage = errors.New("chatsync: message needs content or an attachment")
	// ErrAttachmentTooLarge is returned before any request when an attachment exceeds MaxAttachmentSize.
	ErrAttachmentTooLarge = errors.New("chatsync: attachment exceeds 25 MB")
	// ErrNotConnected is returned by push channel operations while the socket is down.
	ErrNotConnected = errors.New("chatsync: realtime not connected")
)

// MaxAttachmentSize is the client-enforced upload limit.
const MaxAttachmentSize = 25 * 1024 * 1024

// APIError is a non-2xx response from the data API.
type APIError struct {
	Status  int                 `json:"-"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.Status, e.Message)
}

// ============================================================================
// Users
// ============================================================================

type UserAvatar struct {
	Original string `json:"original"`
	Medium   string `json:"medium"`
	Small    string `json:"small"`
}

type User struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Tag             string      `json:"tag"`
	Email           string      `json:"email,omitempty"`
	Avatar          *UserAvatar `json:"avatar,omitempty"`
	IsEmailVerified *bool       `json:"isEmailVerified,omitempty"`
}

// MessageSender is the sender summary embedded in a message.
type MessageSender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Avatar string `json:"avatar,omitempty"`
}

// ============================================================================
// Conversations & Messages
// ============================================================================

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation is a messaging thread as known to the client.
// LastMessage is a denormalized snapshot for list display and is not authoritative.
type Conversation struct {
	ID           string           `json:"id"`
	UserTag      *string          `json:"userTag"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Avatar       string           `json:"avatar"`
	Type         ConversationType `json:"type"`
	Participants []User           `json:"participants,omitempty"`
	LastMessage  *Message         `json:"lastMessage"`
	HasUnread    bool             `json:"hasUnread"`
	LastSeenAt   *time.Time       `json:"lastSeenAt"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message. Content is empty for attachment-only messages.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Attachment     *Attachment    `json:"attachment,omitempty"`
	Sender         *MessageSender `json:"sender,omitempty"`
	Status         string         `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	EditedAt       *time.Time     `json:"editedAt"`
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.UserTag != nil {
		tag := *c.UserTag
		out.UserTag = &tag
	}
	if c.Participants != nil {
		out.Participants = append([]User(nil), c.Participants...)
	}
	out.LastMessage = c.LastMessage.clone()
	return &out
}

// ============================================================================
// Pagination
// ============================================================================

type PageLinks struct {
	First *string `json:"first"`
	Last  *string `json:"last"`
	Prev  *string `json:"prev"`
	Next  *string `json:"next"`
}

type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// Paginated is one page of a cursor/page-based listing.
type Paginated[T any] struct {
	Data  []T       `json:"data"`
	Links PageLinks `json:"links"`
	Meta  PageMeta  `json:"meta"`
}

// MessagePage is one fetched batch of a conversation's history, newest first.
type MessagePage = Paginated[Message]

// HasNext reports whether an older page follows this one.
func (p *Paginated[T]) HasNext() bool {
	return p.Links.Next != nil && *p.Links.Next != ""
}

// NextPage returns the page number the next link points at.
// It falls back to current_page+1 when the link carries no page parameter.
func (p *Paginated[T]) NextPage() (int, bool) {
	if !p.HasNext() {
		return 0, false
	}
	if u, err := url.Parse(*p.Links.Next); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(u.Query().Get("page"))); err == nil && n > 0 {
			return n, true
		}
	}
	return p.Meta.CurrentPage + 1, true
}

func syntheticPage(msg Message) MessagePage {
	return MessagePage{
		Data: []Message{msg},
		Meta: PageMeta{CurrentPage: 1, LastPage: 1, PerPage: 30, Total: 1},
	}
}

// ============================================================================
// Normalized events
// ============================================================================

type MessageOperation string

const (
	OpCreate MessageOperation = "create"
	OpUpdate MessageOperation = "update"
	OpDelete MessageOperation = "delete"
)

// MessageEvent is the single internal shape every message change is ingested as,
// whether it came from the push channel or from a confirmed local mutation.
type MessageEvent struct {
	Operation      MessageOperation `json:"operation"`
	Message        *Message         `json:"message,omitempty"`
	DeletedID      string           `json:"deletedId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	WasLastMessage bool             `json:"wasLastMessage,omitempty"`
	NewLastMessage *Message         `json:"newLastMessage,omitempty"`
}

// TargetConversation returns the conversation the event belongs to.
func (e MessageEvent) TargetConversation() string {
	if e.ConversationID != "" {
		return e.ConversationID
	}
	if e.Message != nil {
		return e.Message.ConversationID
	}
	return ""
}

type ConversationEventKind string

const (
	ConversationCreated ConversationEventKind = "created"
	ConversationDeleted ConversationEventKind = "deleted"
)

type ConversationEvent struct {
	Kind           ConversationEventKind
	Conversation   *Conversation
	ConversationID string
}

// ============================================================================
// Mutation payloads
// ============================================================================

// AttachmentUpload is a file to send with a message.
type AttachmentUpload struct {
	FileName string
	MimeType string
	Data     []byte
}

type SendMessageInput struct {
	Content    string
	Attachment *AttachmentUpload
}

func (in SendMessageInput) validate() error {
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return ErrEmptyMessage
	}
	if in.Attachment != nil && len(in.Attachment.Data) > MaxAttachmentSize {
		return ErrAttachmentTooLarge
	}
	return nil
}

// SendResult is the confirmed state returned by POST /conversations/:id/messages.
// Conversation is set when the first message created a new conversation.
type SendResult struct {
	Message      Message       `json:"message"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// DeleteResult is returned by DELETE /conversations/:id/messages/:messageId.
type DeleteResult struct {
	DeletedID      string   `json:"deletedId"`
	WasLastMessage bool     `json:"wasLastMessage"`
	NewLastMessage *Message `json:"newLastMessage"`
}

// ChannelAuth is the signature returned by the broadcasting auth endpoint.
type ChannelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}
