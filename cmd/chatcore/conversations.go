package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bazaarly/chatcore"
	"github.com/spf13/cobra"
)

var (
	jsonOutput  bool
	openOrderID string
	openType    string
)

func init() {
	for _, c := range []*cobra.Command{chatsCmd, conversationsCmd, openCmd, historyCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
		rootCmd.AddCommand(c)
	}
	openCmd.Flags().StringVar(&openOrderID, "order", "", "Order the conversation is about")
	openCmd.Flags().StringVar(&openType, "type", "", "Conversation type (default from config, else \"order\")")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List the people you can chat with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := client.ChatList(ctx, selfUser(cfg))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No contacts.")
			return nil
		}
		fmt.Printf("%-26s %-10s %s\n", "ID", "ROLE", "NAME")
		for _, u := range users {
			fmt.Printf("%-26s %-10s %s\n", u.ID, valueOrDefault(u.Role, "-"), u.Name)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			with := "-"
			if ref, ok := c.Counterpart(cfg.Auth.UserID); ok {
				with = ref.UserID()
				if ref.Profile != nil && ref.Profile.Name != "" {
					with = fmt.Sprintf("%s (%s)", ref.Profile.Name, ref.UserID())
				}
			}
			fmt.Printf("%s  %-8s with %s\n", c.ID, valueOrDefault(c.Type, "-"), with)
		}
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <counterpart-id>",
	Short: "Find or create the conversation with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := logger()
		resolver := chatcore.NewResolver(getClient(cfg),
			chatcore.WithConversationType(valueOrDefault(openType, cfg.Chat.ConversationType)),
			chatcore.WithResolverLogger(log),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := resolver.Resolve(ctx, selfUser(cfg), chatcore.User{ID: args[0]}, openOrderID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		verb := "Found"
		if res.Created {
			verb = "Created"
		}
		fmt.Printf("%s conversation %s\n", verb, res.ConversationID)
		fmt.Printf("  With: %s\n", valueOrDefault(res.Counterpart.Name, res.Counterpart.ID))
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.MessageHistory(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID, ""))
		}
		return nil
	},
}

// formatMessage renders one line of a transcript.
func formatMessage(m chatcore.Message, selfID, counterpartName string) string {
	who := chatcore.SenderID(&m)
	switch {
	case who == selfID:
		who = "me"
	case counterpartName != "":
		who = counterpartName
	}
	ts := m.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
		ts = t.Local().Format("15:04")
	}
	mark := ""
	if m.IsProvisional() {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", ts, who, m.Text, mark)
}
