package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signlink/rtc/internal/peer"
	"github.com/signlink/rtc/internal/signaling"
)

var flagAutoAccept bool

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Stay online, print chat, and answer incoming calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWait(cmd.Context())
	},
}

func init() {
	waitCmd.Flags().BoolVar(&flagAutoAccept, "accept", true, "accept incoming calls automatically")
	rootCmd.AddCommand(waitCmd)
}

func runWait(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.client.On(signaling.KindChat, func(msg signaling.Message) {
		fmt.Printf("[%s] %s\n", msg.FromUserID, msg.Content)
		_ = a.client.SendChatRead(msg.FromUserID, msg.MessageID)
	})
	a.client.On(signaling.KindPresenceChanged, func(msg signaling.Message) {
		fmt.Printf("* %s is %s\n", msg.UserID, msg.State)
	})

	fmt.Printf("online as %s, waiting for calls\n", flagUserID)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case call := <-a.incoming:
			fmt.Printf("incoming %s call from %s\n", call.CallType, call.FromUser)
			if flagAutoAccept {
				if err := call.Accept(); err != nil {
					fmt.Println("accept failed:", err)
				}
			} else {
				_ = call.Reject("declined")
			}
		case ev := <-a.states:
			switch ev.change.State {
			case peer.StateConnected:
				fmt.Println("call connected")
			case peer.StateEnded:
				fmt.Println("call ended")
			case peer.StateFailed:
				fmt.Println("call failed:", ev.change.Cause)
			}
		case <-a.connectionLost:
			return fmt.Errorf("relay connection failed")
		case <-sigCtx.Done():
			return nil
		}
	}
}
