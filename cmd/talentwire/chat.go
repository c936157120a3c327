package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	talentwire "github.com/talentwire/talentwire-go"
)

var watchShowPresence bool

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchShowPresence, "presence", false, "print peer presence transitions")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		actor := getActor(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Conversations().List(ctx)
		if err != nil {
			return err
		}
		if len(result.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range result.Conversations {
			peer := c.Peer(actor.Type)
			marker := " "
			if peer.Online {
				marker = "*"
			}
			unread := ""
			if n := c.Unread(actor.Type); n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			name := peer.Name
			if name == "" {
				name = string(peer.ID)
			}
			fmt.Printf("%s %-12s %-24s %s%s\n", marker, c.ID, name, c.LastMessagePreview, unread)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		actor := getActor(cfg)
		conversationID := args[0]
		text := strings.Join(args[1:], " ")

		session, err := talentwire.NewSession(client, actor, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return err
		}
		view, err := session.OpenConversation(ctx, conversationID)
		if err != nil {
			return err
		}

		msg, err := view.Send(ctx, text)
		if err != nil {
			var sendErr *talentwire.SendError
			if errors.As(err, &sendErr) {
				return fmt.Errorf("message not sent, text preserved: %q: %w", sendErr.Text, sendErr.Err)
			}
			return err
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print messages and typing indicators as they arrive, and send lines typed on stdin. Ctrl-C exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		actor := getActor(cfg)
		conversationID := args[0]

		session, err := talentwire.NewSession(client, actor, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return err
		}
		view, err := session.OpenConversation(ctx, conversationID)
		if err != nil {
			if errors.Is(err, talentwire.ErrForbidden) {
				return fmt.Errorf("you are not a participant of conversation %s", conversationID)
			}
			return err
		}

		for _, m := range view.Messages() {
			printMessage(actor, m)
		}

		seen := map[string]bool{}
		for _, m := range view.Messages() {
			seen[m.Key()] = true
		}
		view.OnChange(func() {
			for _, m := range view.Messages() {
				if seen[m.Key()] || m.Pending() {
					continue
				}
				seen[m.Key()] = true
				printMessage(actor, m)
			}
		})
		view.OnTypingChange(func(typing bool) {
			if typing {
				fmt.Println("  [peer is typing...]")
			}
		})
		if watchShowPresence {
			session.Conn().OnPeerPresence(func(p talentwire.PeerPresencePayload, online bool) {
				state := "offline"
				if online {
					state = "online"
				}
				fmt.Printf("  [%s:%s is %s]\n", p.Type, p.ID, state)
			})
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-stop:
				fmt.Println("\nBye.")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				view.NotifyInput()
				if _, err := view.Send(ctx, line); err != nil {
					var sendErr *talentwire.SendError
					if errors.As(err, &sendErr) {
						fmt.Printf("  [send failed, re-type to retry: %q]\n", sendErr.Text)
						continue
					}
					fmt.Printf("  [send failed: %v]\n", err)
				}
			}
		}
	},
}

func printMessage(actor talentwire.Actor, m talentwire.Message) {
	who := "them"
	if m.SenderType == actor.Type {
		who = "you"
	}
	text := m.Text
	if text == "" && len(m.Attachments) > 0 {
		text = "[attachment: " + m.Attachments[0].Name + "]"
	}
	fmt.Printf("%s %-4s %s\n", m.CreatedAt.Local().Format("15:04"), who, text)
}
