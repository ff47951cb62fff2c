//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/relaychat/chatsync"
)

// helpers ---------------------------------------------------------------

func liveClient(t *testing.T) *chatsync.Client {
	t.Helper()
	token := os.Getenv("CHATSYNC_TOKEN")
	base := os.Getenv("CHATSYNC_BASE_URL")
	if token == "" || base == "" {
		t.Skip("CHATSYNC_BASE_URL and CHATSYNC_TOKEN are required")
	}
	return chatsync.NewClient(token, chatsync.WithBaseURL(base))
}

func livePush(t *testing.T, client *chatsync.Client) *chatsync.PushClient {
	t.Helper()
	url := os.Getenv("CHATSYNC_REALTIME_URL")
	key := os.Getenv("CHATSYNC_APP_KEY")
	if url == "" || key == "" {
		return nil
	}
	pc := chatsync.NewPushClient(&chatsync.RealtimeConfig{URL: url, AppKey: key, Authorizer: client})
	t.Cleanup(func() { _ = pc.Disconnect() })
	return pc
}

func firstConversation(t *testing.T, s *chatsync.Session) string {
	t.Helper()
	order := s.Store().Directory.Order()
	if len(order) == 0 {
		t.Skip("account has no conversations")
	}
	return order[0]
}

// =======================================================================
// Data API
// =======================================================================

func TestIntegration_ListConversationsAndMessages(t *testing.T) {
	client := liveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a user id")
	}

	convs, err := client.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	t.Logf("user=%s conversations=%d", user.ID, len(convs))
	if len(convs) == 0 {
		return
	}

	page, err := client.ListMessages(ctx, convs[0].ID, 1)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if page.Meta.CurrentPage != 1 {
		t.Errorf("expected current_page 1, got %d", page.Meta.CurrentPage)
	}
	for i := 1; i < len(page.Data); i++ {
		if page.Data[i].CreatedAt.After(page.Data[i-1].CreatedAt) {
			t.Errorf("page not newest first at index %d", i)
		}
	}
}

// =======================================================================
// Session lifecycle
// =======================================================================

func TestIntegration_SessionSendEditDelete(t *testing.T) {
	client := liveClient(t)
	s := chatsync.NewSession(client, livePush(t, client))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Logout(context.Background())

	convID := firstConversation(t, s)
	if err := s.Open(ctx, convID); err != nil {
		t.Fatalf("Open: %v", err)
	}

	content := fmt.Sprintf("chatsync integration %d", time.Now().UnixNano())
	sent, err := s.Mutations().Send(ctx, convID, chatsync.SendMessageInput{Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgs := s.Messages(); len(msgs) == 0 || msgs[0].ID != sent.ID {
		t.Fatalf("sent message is not newest in cache")
	}
	if c, _ := s.Store().Directory.Get(convID); c.LastMessage == nil || c.LastMessage.ID != sent.ID {
		t.Errorf("directory last message not updated")
	}

	edited, err := s.Mutations().Edit(ctx, convID, sent.ID, content+" (edited)")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got, ok := s.Store().Messages.Get(convID, sent.ID); !ok || got.Content != edited.Content {
		t.Errorf("cache not updated after edit")
	}

	if _, err := s.Mutations().Delete(ctx, convID, sent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Store().Messages.Get(convID, sent.ID); ok {
		t.Errorf("message still cached after delete")
	}
}

func TestIntegration_SessionPaging(t *testing.T) {
	client := liveClient(t)
	s := chatsync.NewSession(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	convID := firstConversation(t, s)
	if err := s.Open(ctx, convID); err != nil {
		t.Fatalf("Open: %v", err)
	}

	for s.Store().Messages.HasMore(convID) {
		before := len(s.Messages())
		if err := s.LoadMore(ctx); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
		if len(s.Messages()) < before {
			t.Fatalf("history shrank from %d to %d", before, len(s.Messages()))
		}
	}

	seen := make(map[string]bool)
	for _, m := range s.Messages() {
		if seen[m.ID] {
			t.Errorf("duplicate message %s", m.ID)
		}
		seen[m.ID] = true
	}
	t.Logf("conversation=%s messages=%d", convID, len(seen))
}
