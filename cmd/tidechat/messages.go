package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	tidechat "github.com/tidechat/tidechat-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	messagesSendType string
	messagesSendJSON bool

	messagesHistoryLimit int
	messagesHistoryPages int
	messagesHistoryJSON  bool

	messagesSearchLimit int
	messagesSearchJSON  bool
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesHistoryCmd)
	messagesCmd.AddCommand(messagesSearchCmd)
	messagesCmd.AddCommand(messagesWatchCmd)
	messagesCmd.AddCommand(messagesReadCmd)

	messagesSendCmd.Flags().StringVar(&messagesSendType, "type", "text", "message type (text, image, file)")
	messagesSendCmd.Flags().BoolVar(&messagesSendJSON, "json", false, "output raw JSON")
	messagesHistoryCmd.Flags().IntVar(&messagesHistoryLimit, "limit", 0, "page size (default 20, max 100)")
	messagesHistoryCmd.Flags().IntVar(&messagesHistoryPages, "pages", 1, "number of pages to load")
	messagesHistoryCmd.Flags().BoolVar(&messagesHistoryJSON, "json", false, "output raw JSON")
	messagesSearchCmd.Flags().IntVar(&messagesSearchLimit, "limit", 0, "maximum results (default 50)")
	messagesSearchCmd.Flags().BoolVar(&messagesSearchJSON, "json", false, "output raw JSON")
}

// ============================================================================
// Root messages command
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Message commands",
	Long:  "Send messages, browse history, search, and watch rooms live.",
}

// ============================================================================
// messages send
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <room-id> <content>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, roomID, content, tidechat.MessageType(messagesSendType))
		if err != nil {
			return fmt.Errorf("failed to send message: %s", describeFailure(err))
		}

		if messagesSendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// messages history
// ============================================================================

var messagesHistoryCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show message history for a room",
	Long:  "Fetch message pages for a room, oldest first. Use --pages to walk further back through the cursor.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var opts *tidechat.MessagesOptions
		if messagesHistoryLimit > 0 {
			opts = &tidechat.MessagesOptions{Limit: messagesHistoryLimit}
		}

		msgs, err := client.GetMessages(ctx, roomID, opts)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %s", describeFailure(err))
		}
		for page := 1; page < messagesHistoryPages; page++ {
			if !client.ShouldLoadMore(roomID, 0, len(msgs), 0) {
				break
			}
			msgs, err = client.LoadMoreMessages(ctx, roomID)
			if err != nil {
				return fmt.Errorf("failed to load more messages: %s", describeFailure(err))
			}
		}

		if messagesHistoryJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		printMessages(msgs)
		return nil
	},
}

// ============================================================================
// messages search
// ============================================================================

var messagesSearchCmd = &cobra.Command{
	Use:   "search <room-id> <query>",
	Short: "Search messages in a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, query := args[0], args[1]
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.SearchMessages(ctx, roomID, query, messagesSearchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %s", describeFailure(err))
		}

		if messagesSearchJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		printMessages(msgs)
		return nil
	},
}

// ============================================================================
// messages watch
// ============================================================================

var messagesWatchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Watch a room for live updates",
	Long:  "Stream message snapshots for a room until interrupted. Snapshots served from the local cache are marked [cached].",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream, err := client.MessagesStream(ctx, roomID)
		if err != nil {
			return fmt.Errorf("failed to open stream: %s", describeFailure(err))
		}
		defer stream.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)

		fmt.Printf("Watching room %s (Ctrl-C to stop)\n", roomID)
		for {
			select {
			case <-sig:
				return nil
			case snap, ok := <-stream.C:
				if !ok {
					fmt.Println("Stream closed.")
					return nil
				}
				origin := "live"
				if snap.FromCache {
					origin = "cached"
				}
				fmt.Printf("--- snapshot [%s] %d messages ---\n", origin, len(snap.Messages))
				printMessages(snap.Messages)
			}
		}
	},
}

// ============================================================================
// messages read
// ============================================================================

var messagesReadCmd = &cobra.Command{
	Use:   "read <room-id>",
	Short: "Mark all messages in a room as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkAllMessagesAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to mark messages read: %s", describeFailure(err))
		}
		fmt.Println("All messages marked as read.")
		return nil
	},
}

func printMessages(msgs []tidechat.Message) {
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
	}
}
