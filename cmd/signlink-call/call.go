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

var flagAudioOnly bool

var callCmd = &cobra.Command{
	Use:   "call <user-id>",
	Short: "Ring another user and run the call until either side hangs up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context(), args[0])
	},
}

func init() {
	callCmd.Flags().BoolVar(&flagAudioOnly, "audio-only", false, "place an audio call instead of video")
	rootCmd.AddCommand(callCmd)
}

func runCall(ctx context.Context, target string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	callType := signaling.CallTypeVideo
	if flagAudioOnly {
		callType = signaling.CallTypeAudio
	}

	callID, err := a.manager.Call(ctx, target, callType)
	if err != nil {
		return err
	}
	fmt.Printf("ringing %s (%s call)...\n", target, callType)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case ev := <-a.states:
			if ev.callID != callID {
				continue
			}
			switch ev.change.State {
			case peer.StateConnecting:
				fmt.Println("accepted, connecting...")
			case peer.StateConnected:
				fmt.Println("connected")
			case peer.StateFailed:
				return fmt.Errorf("call failed: %s", ev.change.Cause)
			case peer.StateEnded:
				fmt.Println("call ended")
				return nil
			}
		case <-a.connectionLost:
			return fmt.Errorf("relay connection failed")
		case <-sigCtx.Done():
			fmt.Println("hanging up")
			a.manager.End(callID)
			return nil
		}
	}
}
