package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/signlink/rtc/internal/signaling"
)

var chatCmd = &cobra.Command{
	Use:   "chat <user-id> <message>",
	Short: "Send a chat message and wait for the delivery ack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, target, content string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	messageID := uuid.NewString()
	delivered := make(chan struct{}, 1)
	a.client.On(signaling.KindChatDelivered, func(msg signaling.Message) {
		if msg.MessageID == messageID {
			select {
			case delivered <- struct{}{}:
			default:
			}
		}
	})

	if err := a.client.SendChat(target, messageID, content); err != nil {
		return err
	}

	// No ack means the recipient is offline; the relay drops silently by
	// design, so all we can do is time out.
	select {
	case <-delivered:
		fmt.Println("delivered")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("no delivery ack, %s is probably offline", target)
	case <-ctx.Done():
		return ctx.Err()
	}
}
