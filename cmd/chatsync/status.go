package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:     %s\n", valueOrDefault(cfg.API.BaseURL, "(default)"))
		fmt.Fprintf(out, "  Token:        %s\n", valueOrDefault(maskKey(cfg.API.Token), "(not set)"))
		fmt.Fprintf(out, "  Realtime URL: %s\n", valueOrDefault(cfg.Realtime.URL, "(not set)"))
		fmt.Fprintf(out, "  App Key:      %s\n", valueOrDefault(cfg.Realtime.AppKey, "(not set)"))
		fmt.Fprintf(out, "  Log Level:    %s\n", valueOrDefault(cfg.Log.Level, "warn"))

		if cfg.API.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := newClient(cfg, zap.NewNop())
		user, err := client.CurrentUser(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching user: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  User:          %s (@%s)\n", user.Name, user.Tag)

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			if c.HasUnread {
				unread++
			}
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(convs))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}
