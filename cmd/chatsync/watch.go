package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchOpen        string
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Conversation id or user tag to open while watching")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live conversation and message changes",
	Long:  "Connect to the push server, keep a synchronized local copy of your conversations and print every change until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.API.Token == "" {
			return errors.New("no API token; run 'chatsync login <token>' first")
		}
		if cfg.Realtime.URL == "" || cfg.Realtime.AppKey == "" {
			return errors.New("realtime.url and realtime.app_key must be configured")
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, reg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		client := newClient(cfg, logger)
		push := chatsync.NewPushClient(&chatsync.RealtimeConfig{
			URL:           cfg.Realtime.URL,
			AppKey:        cfg.Realtime.AppKey,
			Authorizer:    client,
			AutoReconnect: true,
			Logger:        logger,
			Metrics:       metrics,
		})
		session := chatsync.NewSession(client, push, chatsync.WithLogger(logger), chatsync.WithMetrics(metrics))

		out := cmd.OutOrStdout()
		push.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(out, "! reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer func() {
			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Logout(logoutCtx); err != nil {
				logger.Warn("logout_failed", zap.Error(err))
			}
		}()

		store := session.Store()
		user := session.User()
		fmt.Fprintf(out, "Watching as %s (@%s): %d conversations, %d unread\n",
			user.Name, user.Tag, store.Directory.Len(), store.Directory.UnreadCount())

		unsubscribe := store.Subscribe(func(c chatsync.Change) {
			printChange(out, session, c)
		})
		defer unsubscribe()

		if watchOpen != "" {
			if err := session.Open(ctx, watchOpen); err != nil {
				return err
			}
			for _, m := range reverse(session.Messages()) {
				printMessage(out, m)
			}
		}

		<-ctx.Done()
		fmt.Fprintln(out, "Stopped.")
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("metrics_listening", zap.String("addr", addr))
	return srv
}

func printChange(out io.Writer, session *chatsync.Session, c chatsync.Change) {
	store := session.Store()
	switch c.Kind {
	case chatsync.ChangeConversations:
		if c.ConversationID == "" {
			return
		}
		conv, ok := store.Directory.Get(c.ConversationID)
		if !ok {
			fmt.Fprintf(out, "- conversation %s removed\n", c.ConversationID)
			return
		}
		printConversation(out, conv)
	case chatsync.ChangeMessages:
		if c.ConversationID == "" || c.ConversationID != session.OpenConversation() {
			return
		}
		msgs := store.Messages.Messages(c.ConversationID)
		if len(msgs) > 0 {
			printMessage(out, msgs[0])
		}
	}
}

func reverse(msgs []chatsync.Message) []chatsync.Message {
	out := make([]chatsync.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out
}
