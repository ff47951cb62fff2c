package chatsync_test

import (
	"testing"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func tag(s string) *string { return &s }

func conv(id string, updated int) chatsync.Conversation {
	return chatsync.Conversation{
		ID:        id,
		Title:     "Conversation " + id,
		Type:      chatsync.ConversationPrivate,
		CreatedAt: at(0),
		UpdatedAt: at(updated),
	}
}

func msg(id, convID, sender string, minute int) chatsync.Message {
	return chatsync.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "message " + id,
		CreatedAt:      at(minute),
	}
}

func TestDirectory_SetAllSortsByRecency(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2), conv("c", 3)})

	assert.Equal(t, []string{"c", "b", "a"}, d.Order())
	assert.Equal(t, 3, d.Len())

	// a second load replaces the first
	d.SetAll([]chatsync.Conversation{conv("x", 1)})
	assert.Equal(t, []string{"x"}, d.Order())
}

func TestDirectory_NewMessageMovesToFront(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("A", 1), conv("B", 2)})
	require.Equal(t, []string{"B", "A"}, d.Order())

	changed := d.OnNewMessage(msg("m1", "A", "u2", 5), "me")
	assert.True(t, changed)
	assert.Equal(t, []string{"A", "B"}, d.Order())

	a, ok := d.Get("A")
	require.True(t, ok)
	assert.True(t, a.HasUnread)
	require.NotNil(t, a.LastMessage)
	assert.Equal(t, "m1", a.LastMessage.ID)
	assert.Equal(t, at(5), a.UpdatedAt)
	assert.Equal(t, 1, d.UnreadCount())
}

func TestDirectory_MoveToFrontKeepsRelativeOrder(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2), conv("c", 3), conv("d", 4)})
	require.Equal(t, []string{"d", "c", "b", "a"}, d.Order())

	d.OnNewMessage(msg("m1", "b", "u2", 10), "me")
	assert.Equal(t, []string{"b", "d", "c", "a"}, d.Order())

	// already in front
	d.OnNewMessage(msg("m2", "b", "u2", 11), "me")
	assert.Equal(t, []string{"b", "d", "c", "a"}, d.Order())
}

func TestDirectory_UnreadSuppressed(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})

	d.OnNewMessage(msg("m1", "a", "me", 5), "me")
	a, _ := d.Get("a")
	assert.False(t, a.HasUnread, "own message")

	d.SetActive("b")
	d.OnNewMessage(msg("m2", "b", "u2", 6), "me")
	b, _ := d.Get("b")
	assert.False(t, b.HasUnread, "open conversation")
	assert.Equal(t, "b", d.Active())
}

func TestDirectory_IgnoresRedeliveredLastMessage(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})

	require.True(t, d.OnNewMessage(msg("m2", "a", "u2", 10), "me"))
	d.MarkRead("a")
	d.OnNewMessage(msg("m3", "b", "u2", 11), "me")
	require.Equal(t, []string{"b", "a"}, d.Order())

	assert.False(t, d.OnNewMessage(msg("m2", "a", "u2", 10), "me"))
	assert.Equal(t, []string{"b", "a"}, d.Order())
	a, _ := d.Get("a")
	assert.False(t, a.HasUnread)

	assert.False(t, d.OnNewMessage(msg("m4", "unknown", "u2", 12), "me"))
}

func TestDirectory_OlderMessageStillCountsAsActivity(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})

	require.True(t, d.OnNewMessage(msg("m2", "a", "u2", 10), "me"))
	d.MarkRead("a")
	d.OnNewMessage(msg("m3", "b", "u2", 11), "me")
	require.Equal(t, []string{"b", "a"}, d.Order())

	// sender clock behind ours
	assert.True(t, d.OnNewMessage(msg("m1", "a", "u2", 9), "me"))
	assert.Equal(t, []string{"a", "b"}, d.Order())
	a, _ := d.Get("a")
	assert.True(t, a.HasUnread)
	assert.Equal(t, "m2", a.LastMessage.ID, "snapshot keeps the newest message")
	assert.Equal(t, at(10), a.UpdatedAt)
}

func TestDirectory_ZeroTimestampTakenAsNow(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})
	d.OnNewMessage(msg("m1", "a", "u2", 10), "me")
	d.OnNewMessage(msg("m2", "b", "u2", 11), "me")

	before := time.Now()
	m := msg("m3", "a", "u2", 0)
	m.CreatedAt = time.Time{}
	require.True(t, d.OnNewMessage(m, "me"))

	assert.Equal(t, []string{"a", "b"}, d.Order())
	a, _ := d.Get("a")
	require.NotNil(t, a.LastMessage)
	assert.Equal(t, "m3", a.LastMessage.ID)
	assert.False(t, a.LastMessage.CreatedAt.Before(before))
	assert.False(t, a.UpdatedAt.Before(before))
}

func TestDirectory_AddIsIdempotent(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1)})

	c := conv("new", 0)
	c.Title = "first"
	assert.True(t, d.Add(c))
	c.Title = "second"
	assert.False(t, d.Add(c))
	assert.False(t, d.Add(chatsync.Conversation{}))

	assert.Equal(t, []string{"new", "a"}, d.Order())
	got, _ := d.Get("new")
	assert.Equal(t, "first", got.Title)
}

func TestDirectory_UpsertReplacesAndMovesToFront(t *testing.T) {
	d := chatsync.NewDirectory()
	a := conv("a", 1)
	a.UserTag = tag("ana")
	d.SetAll([]chatsync.Conversation{a, conv("b", 2)})

	fresh := conv("a", 1)
	fresh.Title = "Ana Maria"
	fresh.UserTag = tag("anamaria")
	d.Upsert(fresh)

	assert.Equal(t, []string{"a", "b"}, d.Order())
	_, ok := d.Get("ana")
	assert.False(t, ok, "old tag unindexed")
	got, ok := d.Get("anamaria")
	require.True(t, ok)
	assert.Equal(t, "Ana Maria", got.Title)

	d.Upsert(conv("c", 0))
	assert.Equal(t, []string{"c", "a", "b"}, d.Order())
}

func TestDirectory_Resolve(t *testing.T) {
	d := chatsync.NewDirectory()
	a := conv("42", 1)
	a.UserTag = tag("ana")
	d.SetAll([]chatsync.Conversation{a})

	id, ok := d.Resolve("ana")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	id, ok = d.Resolve("42")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	_, ok = d.Resolve("bob")
	assert.False(t, ok)
}

func TestDirectory_RemoveClearsActive(t *testing.T) {
	d := chatsync.NewDirectory()
	a := conv("a", 1)
	a.UserTag = tag("ana")
	d.SetAll([]chatsync.Conversation{a, conv("b", 2)})
	d.SetActive("a")

	assert.True(t, d.Remove("a"))
	assert.False(t, d.Remove("a"))
	assert.Equal(t, []string{"b"}, d.Order())
	assert.Empty(t, d.Active())
	_, ok := d.Resolve("ana")
	assert.False(t, ok)
}

func TestDirectory_MessageUpdatedRefreshesLastMessage(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})
	d.OnNewMessage(msg("m1", "a", "u2", 5), "me")
	d.OnNewMessage(msg("m2", "b", "u2", 6), "me")
	before := d.Order()

	edited := msg("m1", "a", "u2", 5)
	edited.Content = "edited"
	editedAt := at(7)
	edited.EditedAt = &editedAt
	assert.True(t, d.OnMessageUpdated(edited))

	a, _ := d.Get("a")
	assert.Equal(t, "edited", a.LastMessage.Content)
	require.NotNil(t, a.LastMessage.EditedAt)
	assert.Equal(t, before, d.Order(), "edits do not reorder")

	other := msg("m0", "a", "u2", 1)
	assert.False(t, d.OnMessageUpdated(other))
}

func TestDirectory_MessageDeleted(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("z", 1), conv("y", 2)})
	d.OnNewMessage(msg("m7", "z", "u2", 5), "me")
	d.OnNewMessage(msg("m8", "y", "u2", 6), "me")
	require.Equal(t, []string{"y", "z"}, d.Order())

	// not the last message: nothing moves
	assert.False(t, d.OnMessageDeleted("z", "m3", false, nil))
	assert.Equal(t, []string{"y", "z"}, d.Order())

	m6 := msg("m6", "z", "u2", 4)
	assert.True(t, d.OnMessageDeleted("z", "m7", true, &m6))
	z, _ := d.Get("z")
	assert.Equal(t, "m6", z.LastMessage.ID)
	assert.Equal(t, []string{"z", "y"}, d.Order())

	// the same delete again: m7 is no longer the last message
	m5 := msg("m5", "z", "u2", 3)
	assert.False(t, d.OnMessageDeleted("z", "m7", true, &m5))
	z, _ = d.Get("z")
	assert.Equal(t, "m6", z.LastMessage.ID)

	assert.True(t, d.OnMessageDeleted("z", "m6", true, nil))
	z, _ = d.Get("z")
	assert.Nil(t, z.LastMessage)
	assert.False(t, d.OnMessageDeleted("z", "m6", true, nil), "nothing left to replace")
}

func TestDirectory_SnapshotsAreCopies(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1)})
	d.OnNewMessage(msg("m1", "a", "u2", 5), "me")

	list := d.Conversations()
	list[0].Title = "mutated"
	list[0].LastMessage.Content = "mutated"
	order := d.Order()
	order[0] = "mutated"

	a, _ := d.Get("a")
	assert.Equal(t, "Conversation a", a.Title)
	assert.Equal(t, "message m1", a.LastMessage.Content)
	assert.Equal(t, []string{"a"}, d.Order())
}

func TestDirectory_Reset(t *testing.T) {
	d := chatsync.NewDirectory()
	d.SetAll([]chatsync.Conversation{conv("a", 1), conv("b", 2)})
	d.SetActive("a")
	d.Reset()

	assert.Zero(t, d.Len())
	assert.Empty(t, d.Order())
	assert.Empty(t, d.Active())
}
