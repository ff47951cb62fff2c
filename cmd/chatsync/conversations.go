package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool

	// messages
	messagesPages int

	// send
	sendFile string
	sendMime string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and inspect conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		dir := chatsync.NewDirectory()
		dir.SetAll(convs)
		list := dir.Conversations()
		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.HasUnread {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
			return nil
		}
		for _, c := range list {
			printConversation(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.GetConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), conv)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:           %s\n", conv.ID)
		fmt.Fprintf(out, "Title:        %s\n", conv.Title)
		fmt.Fprintf(out, "Type:         %s\n", conv.Type)
		if conv.UserTag != nil {
			fmt.Fprintf(out, "User Tag:     @%s\n", *conv.UserTag)
		}
		fmt.Fprintf(out, "Participants: %d\n", len(conv.Participants))
		fmt.Fprintf(out, "Unread:       %t\n", conv.HasUnread)
		fmt.Fprintf(out, "Updated:      %s\n", conv.UpdatedAt.Format(time.RFC3339))
		if conv.LastMessage != nil {
			fmt.Fprintf(out, "Last Message: %s\n", messagePreview(*conv.LastMessage))
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		coord := chatsync.NewCoordinator(client, chatsync.NewStore(client), chatsync.WithCoordinatorLogger(logger))
		if err := coord.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s marked as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := chatsync.NewStore(client, chatsync.WithStoreLogger(logger))
		if _, err := store.Messages.Load(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < messagesPages && store.Messages.HasMore(conversationID); i++ {
			if err := store.Messages.LoadMore(ctx, conversationID); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		msgs := store.Messages.Messages(conversationID)
		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(cmd.OutOrStdout(), msgs[i])
		}
		if store.Messages.HasMore(conversationID) {
			fmt.Fprintln(cmd.OutOrStdout(), "(older messages available; use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		var content string
		if len(args) == 2 {
			content = args[1]
		}

		in := chatsync.SendMessageInput{Content: content}
		if sendFile != "" {
			upload, err := readAttachment(sendFile, sendMime)
			if err != nil {
				return err
			}
			in.Attachment = upload
		}

		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		coord := chatsync.NewCoordinator(client, chatsync.NewStore(client), chatsync.WithCoordinatorLogger(logger))
		msg, err := coord.Send(ctx, conversationID, in)
		if err != nil {
			return err
		}
		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to conversation %s\n", msg.ConversationID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", msg.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <content>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		coord := chatsync.NewCoordinator(client, chatsync.NewStore(client), chatsync.WithCoordinatorLogger(logger))
		msg, err := coord.Edit(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message %s updated.\n", msg.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := mustLogger()
		defer logger.Sync()
		client, _ := getClient(logger)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		coord := chatsync.NewCoordinator(client, chatsync.NewStore(client), chatsync.WithCoordinatorLogger(logger))
		res, err := coord.Delete(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if outputFormat != "text" {
			return printOutput(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message %s deleted.\n", res.DeletedID)
		if res.WasLastMessage && res.NewLastMessage != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  New last message: %s\n", messagePreview(*res.NewLastMessage))
		}
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func readAttachment(path, mimeType string) (*chatsync.AttachmentUpload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read attachment: %w", err)
	}
	if info.Size() > chatsync.MaxAttachmentSize {
		return nil, fmt.Errorf("%s: %w", path, chatsync.ErrAttachmentTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read attachment: %w", err)
	}
	return &chatsync.AttachmentUpload{
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func printConversation(w io.Writer, c chatsync.Conversation) {
	unread := ""
	if c.HasUnread {
		unread = " *"
	}
	title := c.Title
	if title == "" {
		title = string(c.Type)
	}
	last := ""
	if c.LastMessage != nil {
		last = " | " + messagePreview(*c.LastMessage)
	}
	fmt.Fprintf(w, "  %s: %s%s%s\n", c.ID, title, unread, last)
}

func printMessage(w io.Writer, m chatsync.Message) {
	sender := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		sender = m.Sender.Name
	}
	edited := ""
	if m.EditedAt != nil {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Format(time.RFC3339), sender, messagePreview(m), edited)
}

func messagePreview(m chatsync.Message) string {
	text := strings.TrimSpace(m.Content)
	if m.Attachment != nil {
		if text != "" {
			text += " "
		}
		text += "[" + valueOrDefault(m.Attachment.Name, "attachment") + "]"
	}
	if len(text) > 80 {
		text = text[:77] + "..."
	}
	return text
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	messagesCmd.Flags().IntVarP(&messagesPages, "pages", "p", 1, "Number of pages to fetch, newest first")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file (max 25MB)")
	sendCmd.Flags().StringVar(&sendMime, "mime", "", "Override the attachment MIME type")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}
