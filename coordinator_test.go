package chatsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaychat/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMutator records calls and returns canned results.
type fakeMutator struct {
	mu       sync.Mutex
	calls    []string
	send     func(convID string, in chatsync.SendMessageInput) (*chatsync.SendResult, error)
	update   func(convID, msgID, content string) (*chatsync.Message, error)
	del      func(convID, msgID string) (*chatsync.DeleteResult, error)
	markRead func(convID string) error
}

func (f *fakeMutator) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeMutator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMutator) SendMessage(_ context.Context, convID string, in chatsync.SendMessageInput) (*chatsync.SendResult, error) {
	f.record("send:" + convID)
	return f.send(convID, in)
}

func (f *fakeMutator) UpdateMessage(_ context.Context, convID, msgID, content string) (*chatsync.Message, error) {
	f.record("update:" + msgID)
	return f.update(convID, msgID, content)
}

func (f *fakeMutator) DeleteMessage(_ context.Context, convID, msgID string) (*chatsync.DeleteResult, error) {
	f.record("delete:" + msgID)
	return f.del(convID, msgID)
}

func (f *fakeMutator) MarkAsRead(_ context.Context, convID string) error {
	f.record("read:" + convID)
	if f.markRead == nil {
		return nil
	}
	return f.markRead(convID)
}

// seededStore returns a store whose conversation convID has the given cached
// messages, newest first, and whose directory lists it with last as last message.
func seededStore(t *testing.T, convID string, msgIDs ...string) (*chatsync.Store, *fakeFetcher) {
	t.Helper()
	f := newFakeFetcher()
	p := page(convID, 1, 1, msgIDs...)
	f.setPage(convID, 1, p)

	store := chatsync.NewStore(f)
	store.SetCurrentUser("me")
	c := conv(convID, 1)
	if len(p.Data) > 0 {
		last := p.Data[0]
		c.LastMessage = &last
	}
	store.Directory.SetAll([]chatsync.Conversation{c, conv("other", 50)})
	_, err := store.Messages.Load(context.Background(), convID)
	require.NoError(t, err)
	return store, f
}

func TestCoordinator_SendAppliesConfirmedMessage(t *testing.T) {
	api := &fakeMutator{
		send: func(convID string, in chatsync.SendMessageInput) (*chatsync.SendResult, error) {
			m := msg("m100", convID, "me", 500)
			m.Content = in.Content
			return &chatsync.SendResult{Message: m}, nil
		},
	}
	reg := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(reg)
	store := chatsync.NewStore(nil, chatsync.WithStoreMetrics(metrics))
	store.SetCurrentUser("me")
	store.Directory.SetAll([]chatsync.Conversation{conv("Y", 1), conv("other", 50)})
	store.Messages.ApplyCreate(msg("m2", "Y", "u2", 2))

	var states []chatsync.MutationState
	coord := chatsync.NewCoordinator(api, store,
		chatsync.WithCoordinatorMetrics(metrics),
		chatsync.OnMutation(func(m chatsync.Mutation) { states = append(states, m.State) }),
	)

	sent, err := coord.Send(context.Background(), "Y", chatsync.SendMessageInput{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m100", sent.ID)

	assert.Equal(t, []string{"m100", "m2"}, ids(store.Messages.Messages("Y")))
	y, ok := store.Directory.Get("Y")
	require.True(t, ok)
	assert.Equal(t, "hi", y.LastMessage.Content)
	assert.False(t, y.HasUnread, "own message")
	assert.Equal(t, "Y", store.Directory.Order()[0])

	assert.Equal(t, []chatsync.MutationState{chatsync.StateSending, chatsync.StateApplied}, states)
	assert.Empty(t, coord.Pending())
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_mutations_total", map[string]string{"kind": "send", "result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_events_applied_total", map[string]string{"source": "local", "kind": "create"}))
}

func TestCoordinator_SendScenarioAgainstLoadedCache(t *testing.T) {
	store, _ := seededStore(t, "Y", "m2", "m1")
	api := &fakeMutator{
		send: func(convID string, in chatsync.SendMessageInput) (*chatsync.SendResult, error) {
			m := msg("m100", convID, "me", 500)
			m.Content = in.Content
			return &chatsync.SendResult{Message: m}, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)

	_, err := coord.Send(context.Background(), "Y", chatsync.SendMessageInput{Content: "hi"})
	require.NoError(t, err)

	pages := store.Messages.Pages("Y")
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"m100", "m2", "m1"}, ids(pages[0].Data))
	y, _ := store.Directory.Get("Y")
	assert.Equal(t, "hi", y.LastMessage.Content)
}

func TestCoordinator_SendCreatesConversation(t *testing.T) {
	store := chatsync.NewStore(newFakeFetcher())
	store.SetCurrentUser("me")
	store.Directory.SetAll([]chatsync.Conversation{conv("a", 1)})

	api := &fakeMutator{
		send: func(convID string, in chatsync.SendMessageInput) (*chatsync.SendResult, error) {
			c := conv("c-new", 10)
			c.UserTag = tag("bo")
			m := msg("m1", "", "me", 10)
			m.Content = in.Content
			return &chatsync.SendResult{Message: m, Conversation: &c}, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)

	sent, err := coord.Send(context.Background(), "bo", chatsync.SendMessageInput{Content: "hello Bo"})
	require.NoError(t, err)
	assert.Equal(t, "c-new", sent.ConversationID)

	assert.Equal(t, []string{"c-new", "a"}, store.Directory.Order())
	c, ok := store.Directory.Get("bo")
	require.True(t, ok)
	assert.Equal(t, "hello Bo", c.LastMessage.Content)
	assert.Equal(t, []string{"m1"}, ids(store.Messages.Messages("c-new")))
}

func TestCoordinator_ValidationMakesNoRequest(t *testing.T) {
	store := chatsync.NewStore(newFakeFetcher())
	api := &fakeMutator{}
	coord := chatsync.NewCoordinator(api, store)
	ctx := context.Background()

	_, err := coord.Send(ctx, "Y", chatsync.SendMessageInput{Content: "   "})
	assert.ErrorIs(t, err, chatsync.ErrEmptyMessage)

	big := &chatsync.AttachmentUpload{FileName: "big.bin", Data: make([]byte, chatsync.MaxAttachmentSize+1)}
	_, err = coord.Send(ctx, "Y", chatsync.SendMessageInput{Attachment: big})
	assert.ErrorIs(t, err, chatsync.ErrAttachmentTooLarge)

	_, err = coord.Send(ctx, "", chatsync.SendMessageInput{Content: "hi"})
	assert.ErrorIs(t, err, chatsync.ErrNoConversation)

	_, err = coord.Edit(ctx, "Y", "m1", "")
	assert.ErrorIs(t, err, chatsync.ErrEmptyMessage)

	_, err = coord.Delete(ctx, "", "m1")
	assert.ErrorIs(t, err, chatsync.ErrNoConversation)

	assert.ErrorIs(t, coord.MarkRead(ctx, ""), chatsync.ErrNoConversation)
	assert.Empty(t, api.Calls())
}

func TestCoordinator_FailureLeavesStoreUntouched(t *testing.T) {
	store, _ := seededStore(t, "Y", "m2", "m1")
	reg := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(reg)
	rejected := &chatsync.APIError{Status: 422, Message: "The content field is required."}
	api := &fakeMutator{
		send: func(string, chatsync.SendMessageInput) (*chatsync.SendResult, error) { return nil, rejected },
		update: func(string, string, string) (*chatsync.Message, error) {
			return nil, errors.New("network down")
		},
		del: func(string, string) (*chatsync.DeleteResult, error) { return nil, rejected },
	}
	var last chatsync.Mutation
	coord := chatsync.NewCoordinator(api, store,
		chatsync.WithCoordinatorMetrics(metrics),
		chatsync.OnMutation(func(m chatsync.Mutation) { last = m }),
	)
	ctx := context.Background()
	before := store.Messages.Messages("Y")
	beforeOrder := store.Directory.Order()

	_, err := coord.Send(ctx, "Y", chatsync.SendMessageInput{Content: "hi"})
	var apiErr *chatsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
	assert.Equal(t, chatsync.StateFailed, last.State)
	assert.Equal(t, chatsync.MutationSend, last.Kind)
	assert.ErrorIs(t, last.Err, rejected)

	_, err = coord.Edit(ctx, "Y", "m1", "new text")
	assert.Error(t, err)
	_, err = coord.Delete(ctx, "Y", "m2")
	assert.Error(t, err)

	assert.Equal(t, before, store.Messages.Messages("Y"))
	assert.Equal(t, beforeOrder, store.Directory.Order())
	assert.Empty(t, coord.Pending())
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_mutations_total", map[string]string{"kind": "send", "result": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_mutations_total", map[string]string{"kind": "delete", "result": "error"}))
	assert.Zero(t, counterValue(t, reg, "chatsync_mutations_total", map[string]string{"kind": "send", "result": "ok"}))
}

func TestCoordinator_DeleteLastMessage(t *testing.T) {
	store, _ := seededStore(t, "Z", "m7", "m6", "m5")
	m6 := store.Messages.Messages("Z")[1]
	api := &fakeMutator{
		del: func(convID, msgID string) (*chatsync.DeleteResult, error) {
			return &chatsync.DeleteResult{DeletedID: msgID, WasLastMessage: true, NewLastMessage: &m6}, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)

	res, err := coord.Delete(context.Background(), "Z", "m7")
	require.NoError(t, err)
	assert.Equal(t, "m7", res.DeletedID)

	z, _ := store.Directory.Get("Z")
	assert.Equal(t, "m6", z.LastMessage.ID)
	assert.Equal(t, "Z", store.Directory.Order()[0])
	_, ok := store.Messages.Get("Z", "m7")
	assert.False(t, ok)
	assert.Equal(t, []string{"m6", "m5"}, ids(store.Messages.Messages("Z")))
}

func TestCoordinator_EditUnknownMessageIsHarmless(t *testing.T) {
	store, _ := seededStore(t, "X", "m2", "m1")
	api := &fakeMutator{
		update: func(convID, msgID, content string) (*chatsync.Message, error) {
			m := msg(msgID, convID, "me", 1)
			m.Content = content
			return &m, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)
	before := store.Messages.Messages("X")
	beforeDir := store.Directory.Conversations()

	_, err := coord.Edit(context.Background(), "X", "m999", "ghost")
	require.NoError(t, err)
	assert.Equal(t, before, store.Messages.Messages("X"))
	assert.Equal(t, beforeDir, store.Directory.Conversations())

	// the same through the push path
	ghost := msg("m999", "X", "u2", 1)
	assert.False(t, store.ApplyMessageEvent(chatsync.SourcePush, chatsync.MessageEvent{Operation: chatsync.OpUpdate, Message: &ghost}))
	assert.Equal(t, before, store.Messages.Messages("X"))
}

func TestCoordinator_EditUpdatesCacheAndLastMessage(t *testing.T) {
	store, _ := seededStore(t, "X", "m2", "m1")
	api := &fakeMutator{
		update: func(convID, msgID, content string) (*chatsync.Message, error) {
			m := msg(msgID, convID, "me", 1)
			m.Content = content
			edited := at(300)
			m.EditedAt = &edited
			return &m, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)

	_, err := coord.Edit(context.Background(), "X", "m2", "edited")
	require.NoError(t, err)

	got, _ := store.Messages.Get("X", "m2")
	assert.Equal(t, "edited", got.Content)
	x, _ := store.Directory.Get("X")
	assert.Equal(t, "edited", x.LastMessage.Content)
}

func TestCoordinator_PushEchoBeforeResponse(t *testing.T) {
	store, _ := seededStore(t, "Y", "m2", "m1")
	confirmed := msg("m100", "Y", "me", 500)
	confirmed.Content = "hi"
	api := &fakeMutator{
		send: func(string, chatsync.SendMessageInput) (*chatsync.SendResult, error) {
			// the broadcast reaches us before the HTTP response does
			store.ApplyMessageEvent(chatsync.SourcePush, chatsync.MessageEvent{Operation: chatsync.OpCreate, Message: &confirmed})
			return &chatsync.SendResult{Message: confirmed}, nil
		},
	}
	coord := chatsync.NewCoordinator(api, store)

	_, err := coord.Send(context.Background(), "Y", chatsync.SendMessageInput{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m100", "m2", "m1"}, ids(store.Messages.Messages("Y")))
}

func TestCoordinator_MarkRead(t *testing.T) {
	store, _ := seededStore(t, "X", "m1")
	store.ApplyMessageEvent(chatsync.SourcePush, chatsync.MessageEvent{
		Operation: chatsync.OpCreate,
		Message:   ptr(msg("m9", "X", "u2", 900)),
	})
	x, _ := store.Directory.Get("X")
	require.True(t, x.HasUnread)

	api := &fakeMutator{}
	coord := chatsync.NewCoordinator(api, store)
	require.NoError(t, coord.MarkRead(context.Background(), "X"))
	x, _ = store.Directory.Get("X")
	assert.False(t, x.HasUnread)
	assert.Equal(t, []string{"read:X"}, api.Calls())

	api.markRead = func(string) error { return errors.New("offline") }
	store.ApplyMessageEvent(chatsync.SourcePush, chatsync.MessageEvent{
		Operation: chatsync.OpCreate,
		Message:   ptr(msg("m10", "X", "u2", 901)),
	})
	assert.Error(t, coord.MarkRead(context.Background(), "X"))
	x, _ = store.Directory.Get("X")
	assert.True(t, x.HasUnread)
}

func ptr[T any](v T) *T { return &v }

// counterValue reads one counter sample from reg. Labels are matched by name.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := len(m.GetLabel()) == len(labels)
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
