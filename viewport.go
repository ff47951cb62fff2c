package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLoadMoreDebounce = 300 * time.Millisecond
	DefaultNearBottom       = 100.0
)

type ScrollAction string

const (
	ScrollNone     ScrollAction = "none"
	ScrollToBottom ScrollAction = "bottom"
	ScrollPreserve ScrollAction = "preserve"
)

// ScrollInstruction tells the view where to put its scroll position.
type ScrollInstruction struct {
	Action   ScrollAction
	Top      float64
	Animated bool
}

// ViewportMetrics is the geometry of the scrollable message list.
type ViewportMetrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

func (m ViewportMetrics) distanceFromBottom() float64 {
	return m.ScrollHeight - m.ClientHeight - m.ScrollTop
}

// ScrollView is the rendered message list.
type ScrollView interface {
	Metrics() ViewportMetrics
	ScrollTo(top float64, animated bool)
}

// Pager is what the controller needs from the message cache. *MessageCache implements it.
type Pager interface {
	HasMore(conversationID string) bool
	Fetching(conversationID string) bool
	LoadMore(ctx context.Context, conversationID string) error
}

// ViewportController keeps the message list anchored while its content changes.
//
// The view calls Update after every re-layout of the list, OnScroll when the
// user scrolls and OnTopVisible when the top of the list comes into view.
// Messages are passed newest first, as the cache returns them.
type ViewportController struct {
	view       ScrollView
	pager      Pager
	logger     *zap.Logger
	debounce   time.Duration
	nearMargin float64

	mu             sync.Mutex
	gen            uint64
	conversationID string
	initial        bool
	prepending     bool
	fetched        bool
	heightBefore   float64
	oldestBefore   string
	count          int
	newest         string
	oldest         string
	nearBottom     bool
	timer          *time.Timer
}

type ViewportOption func(*ViewportController)

func WithLoadMoreDebounce(d time.Duration) ViewportOption {
	return func(v *ViewportController) { v.debounce = d }
}

// WithNearBottom sets how close to the bottom, in pixels, counts as "at the bottom".
func WithNearBottom(px float64) ViewportOption {
	return func(v *ViewportController) { v.nearMargin = px }
}

func WithViewportLogger(logger *zap.Logger) ViewportOption {
	return func(v *ViewportController) { v.logger = logger }
}

func NewViewportController(view ScrollView, pager Pager, opts ...ViewportOption) *ViewportController {
	v := &ViewportController{
		view:       view,
		pager:      pager,
		logger:     zap.NewNop(),
		debounce:   DefaultLoadMoreDebounce,
		nearMargin: DefaultNearBottom,
		initial:    true,
		nearBottom: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Reset starts over for a newly opened conversation; the next non-empty
// Update is treated as the initial load.
func (v *ViewportController) Reset(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.stopTimer()
	v.conversationID = conversationID
	v.initial = true
	v.prepending = false
	v.fetched = false
	v.heightBefore = 0
	v.oldestBefore = ""
	v.count = 0
	v.newest = ""
	v.oldest = ""
	v.nearBottom = true
}

// OnScroll records whether the user is parked at the bottom of the list.
func (v *ViewportController) OnScroll(m ViewportMetrics) {
	v.mu.Lock()
	v.nearBottom = m.distanceFromBottom() <= v.nearMargin
	v.mu.Unlock()
}

// OnTopVisible schedules an older-page fetch. Repeated calls within the
// debounce window collapse into one; nothing is scheduled while a fetch is
// running or when the history is exhausted.
func (v *ViewportController) OnTopVisible(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.canLoadMore() {
		return
	}
	v.stopTimer()
	gen := v.gen
	v.timer = time.AfterFunc(v.debounce, func() { v.fire(ctx, gen) })
}

func (v *ViewportController) canLoadMore() bool {
	if v.conversationID == "" || v.prepending {
		return false
	}
	return v.pager.HasMore(v.conversationID) && !v.pager.Fetching(v.conversationID)
}

func (v *ViewportController) fire(ctx context.Context, gen uint64) {
	v.mu.Lock()
	if gen != v.gen || !v.canLoadMore() {
		v.mu.Unlock()
		return
	}
	conv := v.conversationID
	v.timer = nil
	v.prepending = true
	v.fetched = false
	v.heightBefore = v.view.Metrics().ScrollHeight
	v.oldestBefore = v.oldest
	v.mu.Unlock()

	err := v.pager.LoadMore(ctx, conv)
	if err != nil {
		v.logger.Warn("load_more_failed", zap.String("conversation_id", conv), zap.Error(err))
	}
	v.mu.Lock()
	if gen == v.gen && v.prepending {
		// the page was applied (or failed) before this returned; an Update that
		// still sees the same oldest message means nothing older arrived
		v.fetched = true
		if err != nil {
			v.prepending = false
		}
	}
	v.mu.Unlock()
}

// Update decides how to move the scroll position after the list re-rendered
// with messages, applies it to the view and returns it.
func (v *ViewportController) Update(messages []Message) ScrollInstruction {
	v.mu.Lock()
	m := v.view.Metrics()
	count := len(messages)
	var newest, oldest string
	if count > 0 {
		newest, oldest = messages[0].ID, messages[count-1].ID
	}

	ins := ScrollInstruction{Action: ScrollNone}
	switch {
	case v.initial:
		if count == 0 {
			break
		}
		v.initial = false
		ins = ScrollInstruction{Action: ScrollToBottom, Top: m.ScrollHeight}
	case v.prepending && oldest != v.oldestBefore:
		v.prepending = false
		v.fetched = false
		ins = ScrollInstruction{Action: ScrollPreserve, Top: m.ScrollTop + (m.ScrollHeight - v.heightBefore)}
	case newest != v.newest && count > v.count && v.nearBottom:
		ins = ScrollInstruction{Action: ScrollToBottom, Top: m.ScrollHeight, Animated: true}
	}

	switch ins.Action {
	case ScrollToBottom:
		v.nearBottom = true
	case ScrollPreserve:
		v.nearBottom = m.ScrollHeight-m.ClientHeight-ins.Top <= v.nearMargin
	}
	switch {
	case v.prepending && v.fetched:
		v.prepending = false
		v.fetched = false
	case v.prepending:
		// a tail change landed before the older page; measure from here
		v.heightBefore = m.ScrollHeight
	}
	v.count, v.newest, v.oldest = count, newest, oldest
	v.mu.Unlock()

	if ins.Action != ScrollNone {
		v.view.ScrollTo(ins.Top, ins.Animated)
	}
	return ins
}

// Stop cancels a pending fetch trigger.
func (v *ViewportController) Stop() {
	v.mu.Lock()
	v.gen++
	v.stopTimer()
	v.mu.Unlock()
}

func (v *ViewportController) stopTimer() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}
