package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// PageFetcher loads one page of a conversation's history, newest first.
type PageFetcher interface {
	ListMessages(ctx context.Context, conversationID string, page int) (*MessagePage, error)
}

type pageFetch struct {
	done chan struct{}
	err  error
}

func (f *pageFetch) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// history is the cached state of one conversation.
type history struct {
	pages    []MessagePage
	loaded   bool // page 0 came from the server, not only from local creates
	inflight *pageFetch
	err      error
}

func (h *history) contains(id string) bool {
	_, _, ok := h.locate(id)
	return ok
}

func (h *history) locate(id string) (page, idx int, ok bool) {
	for p := range h.pages {
		for i := range h.pages[p].Data {
			if h.pages[p].Data[i].ID == id {
				return p, i, true
			}
		}
	}
	return 0, 0, false
}

func (h *history) hasMore() bool {
	if !h.loaded || len(h.pages) == 0 {
		return false
	}
	return h.pages[len(h.pages)-1].HasNext()
}

// MessageCache is the per-conversation paginated message store.
//
// Page 0 holds the newest messages and each page is ordered newest first, so
// concatenating the pages yields the full known history. Messages are unique by
// id within a conversation. At most one page fetch is outstanding per
// conversation; concurrent callers share it.
type MessageCache struct {
	mu      sync.Mutex
	fetcher PageFetcher
	convs   map[string]*history
	feed    *changeFeed
	logger  *zap.Logger
	metrics *Metrics
}

// NewMessageCache creates a cache that pages through fetcher.
func NewMessageCache(fetcher PageFetcher) *MessageCache {
	return newMessageCache(fetcher, newChangeFeed(), zap.NewNop(), nil)
}

func newMessageCache(fetcher PageFetcher, feed *changeFeed, logger *zap.Logger, metrics *Metrics) *MessageCache {
	return &MessageCache{
		fetcher: fetcher,
		convs:   make(map[string]*history),
		feed:    feed,
		logger:  logger,
		metrics: metrics,
	}
}

func (mc *MessageCache) changed(conversationID string) {
	mc.feed.emit(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

// Load returns the cached pages, fetching page 0 first if it was never fetched.
// An empty conversationID is a no-op.
func (mc *MessageCache) Load(ctx context.Context, conversationID string) ([]MessagePage, error) {
	if conversationID == "" {
		return nil, nil
	}

	mc.mu.Lock()
	h, ok := mc.convs[conversationID]
	if !ok {
		h = &history{}
		mc.convs[conversationID] = h
	}
	if h.loaded {
		pages := clonePages(h.pages)
		mc.mu.Unlock()
		return pages, nil
	}
	f := h.inflight
	if f == nil {
		f = mc.startFetch(ctx, conversationID, h, 1, true)
	}
	mc.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return mc.Pages(conversationID), nil
}

// LoadMore fetches the next older page when one exists and nothing is in flight.
// Calls made while a fetch is running wait for that fetch instead of issuing another.
func (mc *MessageCache) LoadMore(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}

	mc.mu.Lock()
	h, ok := mc.convs[conversationID]
	if !ok {
		mc.mu.Unlock()
		return nil
	}
	if f := h.inflight; f != nil {
		mc.mu.Unlock()
		return f.wait(ctx)
	}
	if !h.hasMore() {
		mc.mu.Unlock()
		return nil
	}
	next, _ := h.pages[len(h.pages)-1].NextPage()
	f := mc.startFetch(ctx, conversationID, h, next, false)
	mc.mu.Unlock()

	return f.wait(ctx)
}

// startFetch launches a page request detached from the caller's cancellation;
// a result for a conversation that was reset meanwhile is dropped. mc.mu must be held.
func (mc *MessageCache) startFetch(ctx context.Context, conversationID string, h *history, page int, initial bool) *pageFetch {
	f := &pageFetch{done: make(chan struct{})}
	h.inflight = f
	fetchCtx := context.WithoutCancel(ctx)

	go func() {
		res, err := mc.fetcher.ListMessages(fetchCtx, conversationID, page)

		mc.mu.Lock()
		h.inflight = nil
		live := mc.convs[conversationID] == h
		switch {
		case !live:
			err = nil
			mc.metrics.pageFetch("stale")
			mc.logger.Debug("stale_page_discarded", zap.String("conversation_id", conversationID), zap.Int("page", page))
		case err != nil:
			h.err = err
			mc.metrics.pageFetch("error")
			mc.logger.Warn("page_fetch_failed", zap.String("conversation_id", conversationID), zap.Int("page", page), zap.Error(err))
		case res == nil:
			h.err = nil
			if initial {
				h.loaded = true
			}
		default:
			h.err = nil
			if initial {
				h.applyFirstPage(*res)
			} else {
				h.applyOlderPage(*res)
			}
			mc.metrics.pageFetch("ok")
		}
		mc.mu.Unlock()

		if live {
			mc.changed(conversationID)
		}
		f.err = err
		close(f.done)
	}()
	return f
}

// applyFirstPage installs the newest page. Messages created locally while the
// fetch was in flight are newer than anything on it and stay on top.
func (h *history) applyFirstPage(page MessagePage) {
	fresh := clonePage(page)
	if len(h.pages) > 0 {
		seen := make(map[string]struct{}, len(fresh.Data))
		for _, m := range fresh.Data {
			seen[m.ID] = struct{}{}
		}
		var pending []Message
		for _, p := range h.pages {
			for _, m := range p.Data {
				if _, ok := seen[m.ID]; !ok {
					pending = append(pending, m)
				}
			}
		}
		fresh.Data = append(pending, fresh.Data...)
	}
	h.pages = []MessagePage{fresh}
	h.loaded = true
}

// applyOlderPage appends an older page, dropping messages already cached. Overlap
// happens when new messages shift the server's page boundaries.
func (h *history) applyOlderPage(page MessagePage) {
	fresh := clonePage(page)
	kept := fresh.Data[:0]
	for _, m := range fresh.Data {
		if !h.contains(m.ID) {
			kept = append(kept, m)
		}
	}
	fresh.Data = kept
	h.pages = append(h.pages, fresh)
}

// ApplyCreate prepends msg to page 0 unless its id is already cached.
func (mc *MessageCache) ApplyCreate(msg Message) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		return false
	}

	mc.mu.Lock()
	h, ok := mc.convs[msg.ConversationID]
	if !ok {
		h = &history{}
		mc.convs[msg.ConversationID] = h
	}
	if h.contains(msg.ID) {
		mc.mu.Unlock()
		return false
	}
	m := *msg.clone()
	if len(h.pages) == 0 {
		h.pages = []MessagePage{syntheticPage(m)}
	} else {
		h.pages[0].Data = append([]Message{m}, h.pages[0].Data...)
	}
	mc.mu.Unlock()

	mc.changed(msg.ConversationID)
	return true
}

// ApplyUpdate merges content and edit time into the cached copy of msg.
func (mc *MessageCache) ApplyUpdate(msg Message) bool {
	mc.mu.Lock()
	h, p, i, ok := mc.find(msg.ConversationID, msg.ID)
	if !ok {
		mc.mu.Unlock()
		return false
	}
	h.pages[p].Data[i] = mergeMessage(h.pages[p].Data[i], msg)
	convID := h.pages[p].Data[i].ConversationID
	mc.mu.Unlock()

	mc.changed(convID)
	return true
}

// ApplyDelete removes a message by id. An empty conversationID searches every conversation.
func (mc *MessageCache) ApplyDelete(conversationID, messageID string) bool {
	mc.mu.Lock()
	h, p, i, ok := mc.find(conversationID, messageID)
	if !ok {
		mc.mu.Unlock()
		return false
	}
	convID := h.pages[p].Data[i].ConversationID
	data := h.pages[p].Data
	h.pages[p].Data = append(data[:i:i], data[i+1:]...)
	mc.mu.Unlock()

	mc.changed(convID)
	return true
}

func (mc *MessageCache) find(conversationID, messageID string) (*history, int, int, bool) {
	if messageID == "" {
		return nil, 0, 0, false
	}
	if conversationID != "" {
		h, ok := mc.convs[conversationID]
		if !ok {
			return nil, 0, 0, false
		}
		p, i, ok := h.locate(messageID)
		return h, p, i, ok
	}
	for _, h := range mc.convs {
		if p, i, ok := h.locate(messageID); ok {
			return h, p, i, true
		}
	}
	return nil, 0, 0, false
}

// mergeMessage applies the mutable fields of src onto dst. Identity fields never change.
func mergeMessage(dst, src Message) Message {
	dst.Content = src.Content
	if src.EditedAt != nil {
		t := *src.EditedAt
		dst.EditedAt = &t
	}
	if src.Attachment != nil {
		a := *src.Attachment
		dst.Attachment = &a
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	return dst
}

// ── Snapshots ────────────────────────────────────────────

// Pages returns a copy of the cached pages.
func (mc *MessageCache) Pages(conversationID string) []MessagePage {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	h, ok := mc.convs[conversationID]
	if !ok {
		return nil
	}
	return clonePages(h.pages)
}

// Messages returns the flattened history, newest first.
func (mc *MessageCache) Messages(conversationID string) []Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	h, ok := mc.convs[conversationID]
	if !ok {
		return nil
	}
	var out []Message
	for _, p := range h.pages {
		for _, m := range p.Data {
			out = append(out, *m.clone())
		}
	}
	return out
}

// Get returns the cached copy of a message.
func (mc *MessageCache) Get(conversationID, messageID string) (Message, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	h, p, i, ok := mc.find(conversationID, messageID)
	if !ok {
		return Message{}, false
	}
	return *h.pages[p].Data[i].clone(), true
}

// HasMore reports whether an older page can be fetched.
func (mc *MessageCache) HasMore(conversationID string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	h, ok := mc.convs[conversationID]
	return ok && h.hasMore()
}

// Fetching reports whether a page request is outstanding.
func (mc *MessageCache) Fetching(conversationID string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	h, ok := mc.convs[conversationID]
	return ok && h.inflight != nil
}

// Err returns the last page fetch error, cleared by the next successful fetch.
// Cached pages are left intact when a fetch fails; calling Load or LoadMore again retries.
func (mc *MessageCache) Err(conversationID string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if h, ok := mc.convs[conversationID]; ok {
		return h.err
	}
	return nil
}

// Forget drops one conversation's history. Pending fetches for it are discarded.
func (mc *MessageCache) Forget(conversationID string) {
	mc.mu.Lock()
	_, ok := mc.convs[conversationID]
	delete(mc.convs, conversationID)
	mc.mu.Unlock()
	if ok {
		mc.changed(conversationID)
	}
}

// Reset drops every conversation's history.
func (mc *MessageCache) Reset() {
	mc.mu.Lock()
	mc.convs = make(map[string]*history)
	mc.mu.Unlock()
	mc.changed("")
}

func clonePage(p MessagePage) MessagePage {
	out := p
	out.Data = make([]Message, 0, len(p.Data))
	for i := range p.Data {
		out.Data = append(out.Data, *p.Data[i].clone())
	}
	return out
}

func clonePages(pages []MessagePage) []MessagePage {
	if pages == nil {
		return nil
	}
	out := make([]MessagePage, 0, len(pages))
	for _, p := range pages {
		out = append(out, clonePage(p))
	}
	return out
}
