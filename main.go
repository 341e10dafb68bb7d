package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatsync/discovery"
	"chatsync/models"
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat message delivery-state sync engine",
	Long:          "Mirrors conversations and messages between a local cache and a shared remote log.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the remote write")
	retryCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the remote write")
	relayAnnounceCmd.Flags().Int("port", 6379, "port the Redis relay listens on")
	relayAnnounceCmd.Flags().String("name", "", "instance name to announce (defaults to device_name)")

	relayCmd.AddCommand(relayAnnounceCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(runCmd, sendCmd, retryCmd, readCmd, relayCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync every cached conversation until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			changes, stopObserve := a.store.Observe()
			defer stopObserve()

			if err := a.sync.SubscribeConversations(); err != nil {
				return err
			}
			if err := a.subscribeCached(); err != nil {
				return err
			}
			resumed, err := a.send.ResumePending()
			if err != nil {
				return err
			}

			a.log.Info().
				Str("user_id", a.cfg.UserID).
				Str("backend", a.cfg.Remote.Backend).
				Int("resumed", resumed).
				Msg("sync running")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.follow(ctx, changes)
			})
			g.Go(func() error {
				<-ctx.Done()
				drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.send.Wait(drainCtx); err != nil {
					a.log.Warn().Strs("message_ids", a.send.InFlight()).Msg("in-flight sends left pending")
				}
				return nil
			})
			err = g.Wait()
			a.log.Info().Msg("shutting down")
			return err
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.sync.Subscribe(args[0]); err != nil {
				return err
			}
			id, err := a.send.Send(args[0], args[1])
			if err != nil {
				return err
			}
			if id == "" {
				return errors.New("message text is empty")
			}
			return awaitDelivery(ctx, cmd, a, id)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Retry a failed message with its original id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			msg, err := a.store.GetMessage(args[0])
			if err != nil {
				return err
			}
			if err := a.sync.Subscribe(msg.ConversationID); err != nil {
				return err
			}
			if err := a.send.Retry(args[0]); err != nil {
				return err
			}
			return awaitDelivery(ctx, cmd, a, args[0])
		})
	},
}

func awaitDelivery(ctx context.Context, cmd *cobra.Command, a *app, messageID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	msg, err := a.waitSettled(waitCtx, messageID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", msg.ID, msg.DeliveryState)
	switch msg.DeliveryState {
	case models.DeliveryFailed:
		return fmt.Errorf("message %s failed; run retry to resend", msg.ID)
	case models.DeliveryPending:
		return fmt.Errorf("message %s not confirmed within %s; the next run resumes it", msg.ID, sendTimeout)
	}
	return nil
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation and its messages read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			conversationID := args[0]
			if _, err := a.read.MarkConversationRead(ctx, conversationID); err != nil {
				return err
			}

			total := 0
			for {
				result, err := a.read.MarkMessagesRead(ctx, conversationID)
				if err != nil {
					return err
				}
				total += result.Committed
				if result.Remaining == 0 || result.Committed == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d messages marked read\n", conversationID, total)
			return nil
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay discovery on the local network",
}

var relayAnnounceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Advertise a local Redis relay over mDNS until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, _, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		port, _ := cmd.Flags().GetInt("port")
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = cfg.DeviceName
		}

		announcement, err := discovery.Announce(discovery.Config{
			RelayID: cfg.DeviceID,
			Name:    name,
			Port:    port,
		})
		if err != nil {
			return err
		}
		defer announcement.Stop()

		logger.Info().Str("name", name).Int("port", port).Msg("relay announced")
		<-cmd.Context().Done()
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, path, dataDir, err := loadConfig()
		if err != nil {
			return err
		}
		raw, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# config file:    %s\n", path)
		fmt.Fprintf(out, "# data directory: %s\n", dataDir)
		_, err = out.Write(raw)
		return err
	},
}
