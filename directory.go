package chatsync

import (
	"sort"
	"sync"
	"time"
)

// Directory holds every conversation known to the client plus a recency order.
//
// The order is a permutation of the keys, most recent activity first. It is sorted
// once by SetAll and afterwards maintained by moving single entries to the front.
// Entries are keyed by id and may also be looked up by their user tag.
type Directory struct {
	mu     sync.RWMutex
	byID   map[string]*Conversation
	byTag  map[string]string
	order  []string
	active string
	feed   *changeFeed
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return newDirectory(newChangeFeed())
}

func newDirectory(feed *changeFeed) *Directory {
	return &Directory{
		byID:  make(map[string]*Conversation),
		byTag: make(map[string]string),
		feed:  feed,
	}
}

func (d *Directory) changed(id string) {
	d.feed.emit(Change{Kind: ChangeConversations, ConversationID: id})
}

// SetAll replaces the whole directory. Used for the initial bulk load.
func (d *Directory) SetAll(convs []Conversation) {
	sorted := make([]*Conversation, 0, len(convs))
	for i := range convs {
		sorted = append(sorted, convs[i].clone())
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	d.mu.Lock()
	d.byID = make(map[string]*Conversation, len(sorted))
	d.byTag = make(map[string]string, len(sorted))
	d.order = make([]string, 0, len(sorted))
	for _, c := range sorted {
		if _, dup := d.byID[c.ID]; dup {
			continue
		}
		d.byID[c.ID] = c
		d.indexTag(c)
		d.order = append(d.order, c.ID)
	}
	d.mu.Unlock()

	d.changed("")
}

// Add inserts a conversation at the front. It is a no-op if the id is already known.
func (d *Directory) Add(conv Conversation) bool {
	d.mu.Lock()
	if _, ok := d.byID[conv.ID]; ok || conv.ID == "" {
		d.mu.Unlock()
		return false
	}
	c := conv.clone()
	d.byID[c.ID] = c
	d.indexTag(c)
	d.order = append(d.order, "")
	copy(d.order[1:], d.order[:len(d.order)-1])
	d.order[0] = c.ID
	d.mu.Unlock()

	d.changed(conv.ID)
	return true
}

// Upsert replaces a conversation with fresh server data and moves it to the front.
func (d *Directory) Upsert(conv Conversation) {
	if conv.ID == "" {
		return
	}
	d.mu.Lock()
	if old, ok := d.byID[conv.ID]; ok {
		d.unindexTag(old)
	}
	c := conv.clone()
	d.byID[c.ID] = c
	d.indexTag(c)
	d.moveToFront(c.ID)
	d.mu.Unlock()

	d.changed(conv.ID)
}

// Remove deletes a conversation from the map and the order.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	c, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.unindexTag(c)
	delete(d.byID, id)
	if i := d.indexOf(id); i >= 0 {
		d.order = append(d.order[:i], d.order[i+1:]...)
	}
	if d.active == id {
		d.active = ""
	}
	d.mu.Unlock()

	d.changed(id)
	return true
}

// OnNewMessage flags the owning conversation unread unless the current user sent
// msg or it is the open conversation, and moves it to the front. The last message
// snapshot only moves forward in time: a message older than the current one still
// counts as activity but does not replace it. A zero CreatedAt is taken as now.
// Seeing the current last message again changes nothing.
func (d *Directory) OnNewMessage(msg Message, currentUserID string) bool {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	d.mu.Lock()
	c, ok := d.byID[msg.ConversationID]
	if !ok || msg.ID == "" {
		d.mu.Unlock()
		return false
	}
	last := c.LastMessage
	if last != nil && last.ID == msg.ID {
		d.mu.Unlock()
		return false
	}
	if last == nil || !msg.CreatedAt.Before(last.CreatedAt) {
		c.LastMessage = msg.clone()
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	if msg.SenderID != currentUserID && c.ID != d.active {
		c.HasUnread = true
	}
	d.moveToFront(c.ID)
	d.mu.Unlock()

	d.changed(msg.ConversationID)
	return true
}

// OnMessageUpdated refreshes the denormalized last message if msg is it.
func (d *Directory) OnMessageUpdated(msg Message) bool {
	d.mu.Lock()
	c, ok := d.byID[msg.ConversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != msg.ID {
		d.mu.Unlock()
		return false
	}
	merged := mergeMessage(*c.LastMessage, msg)
	c.LastMessage = &merged
	d.mu.Unlock()

	d.changed(msg.ConversationID)
	return true
}

// OnMessageDeleted swaps in the server-supplied replacement when the deleted
// message is still the conversation's last one, and only then moves the
// conversation to the front. A redelivered delete finds a different last
// message and changes nothing.
func (d *Directory) OnMessageDeleted(conversationID, deletedID string, wasLastMessage bool, newLastMessage *Message) bool {
	if !wasLastMessage || deletedID == "" {
		return false
	}
	d.mu.Lock()
	c, ok := d.byID[conversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != deletedID {
		d.mu.Unlock()
		return false
	}
	c.LastMessage = newLastMessage.clone()
	d.moveToFront(conversationID)
	d.mu.Unlock()

	d.changed(conversationID)
	return true
}

// MarkRead clears the unread flag.
func (d *Directory) MarkRead(conversationID string) bool {
	d.mu.Lock()
	c, ok := d.byID[conversationID]
	if !ok || !c.HasUnread {
		d.mu.Unlock()
		return false
	}
	c.HasUnread = false
	d.mu.Unlock()

	d.changed(conversationID)
	return true
}

// SetActive records the open conversation ("" for none) and marks it read.
func (d *Directory) SetActive(conversationID string) {
	d.mu.Lock()
	d.active = conversationID
	if c, ok := d.byID[conversationID]; ok {
		c.HasUnread = false
	}
	d.mu.Unlock()

	d.changed(conversationID)
}

// Active returns the open conversation id, or "".
func (d *Directory) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Resolve maps an id or user tag to the conversation id.
func (d *Directory) Resolve(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolve(key)
}

func (d *Directory) resolve(key string) (string, bool) {
	if _, ok := d.byID[key]; ok {
		return key, true
	}
	id, ok := d.byTag[key]
	return id, ok
}

// Get returns a copy of the conversation addressed by id or user tag.
func (d *Directory) Get(key string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.resolve(key)
	if !ok {
		return Conversation{}, false
	}
	return *d.byID[id].clone(), true
}

// Order returns the conversation ids, most recent first.
func (d *Directory) Order() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Conversations returns copies of all conversations in recency order.
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.byID[id].clone())
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// UnreadCount returns how many conversations have unread messages.
func (d *Directory) UnreadCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, c := range d.byID {
		if c.HasUnread {
			n++
		}
	}
	return n
}

// Reset drops all state. Called on logout.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.byID = make(map[string]*Conversation)
	d.byTag = make(map[string]string)
	d.order = nil
	d.active = ""
	d.mu.Unlock()

	d.changed("")
}

// ── helpers (callers hold mu) ───────────────────────────

func (d *Directory) indexOf(id string) int {
	for i, v := range d.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (d *Directory) moveToFront(id string) {
	i := d.indexOf(id)
	switch {
	case i == 0:
		return
	case i < 0:
		d.order = append(d.order, "")
		i = len(d.order) - 1
	}
	copy(d.order[1:i+1], d.order[:i])
	d.order[0] = id
}

func (d *Directory) indexTag(c *Conversation) {
	if c.UserTag != nil && *c.UserTag != "" {
		d.byTag[*c.UserTag] = c.ID
	}
}

func (d *Directory) unindexTag(c *Conversation) {
	if c.UserTag != nil && d.byTag[*c.UserTag] == c.ID {
		delete(d.byTag, *c.UserTag)
	}
}
