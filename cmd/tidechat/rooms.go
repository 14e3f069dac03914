package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsListJSON bool

	roomsCreateDescription  string
	roomsCreateParticipants string
	roomsCreateJSON         bool
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	roomsCmd.AddCommand(roomsJoinCmd)
	roomsCmd.AddCommand(roomsLeaveCmd)

	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "output raw JSON")
	roomsCreateCmd.Flags().StringVar(&roomsCreateDescription, "description", "", "room description")
	roomsCreateCmd.Flags().StringVar(&roomsCreateParticipants, "participants", "", "comma-separated user IDs to invite")
	roomsCreateCmd.Flags().BoolVar(&roomsCreateJSON, "json", false, "output raw JSON")
}

// ============================================================================
// Root rooms command
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Chat room commands",
	Long:  "List, create, join, and leave chat rooms.",
}

// ============================================================================
// rooms list
// ============================================================================

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rooms, err := client.GetChatRooms(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch rooms: %s", describeFailure(err))
		}

		if roomsListJSON {
			data, err := json.MarshalIndent(rooms, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		for _, room := range rooms {
			last := "(no messages)"
			if room.LastMessageTime != nil {
				last = room.LastMessageTime.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-24s  %d participants  last: %s\n",
				room.ID, room.Name, len(room.Participants), last)
		}
		return nil
	},
}

// ============================================================================
// rooms create
// ============================================================================

var roomsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		client, cleanup := getClient()
		defer cleanup()

		var participants []string
		if roomsCreateParticipants != "" {
			for _, p := range strings.Split(roomsCreateParticipants, ",") {
				if p = strings.TrimSpace(p); p != "" {
					participants = append(participants, p)
				}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := client.CreateChatRoom(ctx, name, roomsCreateDescription, participants)
		if err != nil {
			return fmt.Errorf("failed to create room: %s", describeFailure(err))
		}

		if roomsCreateJSON {
			data, err := json.MarshalIndent(room, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Room created: %s\n", room.ID)
		fmt.Printf("  Name:         %s\n", room.Name)
		fmt.Printf("  Participants: %d\n", len(room.Participants))
		return nil
	},
}

// ============================================================================
// rooms join / leave
// ============================================================================

var roomsJoinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.JoinChatRoom(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to join room: %s", describeFailure(err))
		}
		fmt.Printf("Joined room %s\n", args[0])
		return nil
	},
}

var roomsLeaveCmd = &cobra.Command{
	Use:   "leave <room-id>",
	Short: "Leave a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cleanup := getClient()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.LeaveChatRoom(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to leave room: %s", describeFailure(err))
		}
		fmt.Printf("Left room %s\n", args[0])
		return nil
	},
}
