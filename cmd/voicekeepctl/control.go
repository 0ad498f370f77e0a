package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"voicekeep/internal/bridge"
	"voicekeep/internal/domain"
)

var (
	startMode       string
	startTitle      string
	startContent    string
	startRoomParams string
	watchCount      int
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, audioActiveCmd, pauseCmd, resumeCmd, backgroundCmd, foregroundCmd, statusCmd, watchCmd)

	startCmd.Flags().StringVar(&startMode, "mode", "audience", "Session mode: audience (0) or anchor (1)")
	startCmd.Flags().StringVar(&startTitle, "title", "", "Notification title")
	startCmd.Flags().StringVar(&startContent, "content", "", "Notification content")
	startCmd.Flags().StringVar(&startRoomParams, "room-params", "", "Opaque room parameters")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many events (0 watches until interrupted)")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the keep-alive service for a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseModeFlag(startMode)
		if err != nil {
			return err
		}
		payload := bridge.StartServiceArgs{Mode: &mode, Title: startTitle, Content: startContent, RoomParams: startRoomParams}
		return callAndPrint(cmd, bridge.MethodStartService, payload)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the keep-alive service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, bridge.MethodStopService, nil)
	},
}

var audioActiveCmd = &cobra.Command{
	Use:   "audio-active <true|false>",
	Short: "Report whether room audio is flowing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		active, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[0], err)
		}
		return callAndPrint(cmd, bridge.MethodSetAudioActive, bridge.SetAudioActiveArgs{Active: &active})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Release the audio device for real recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, bridge.MethodPauseKeepAlive, nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume keep-alive after real recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, bridge.MethodResumeKeepAlive, nil)
	},
}

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Move the host window to the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, bridge.MethodMoveAppToBackground, nil)
	},
}

var foregroundCmd = &cobra.Command{
	Use:   "foreground <true|false>",
	Short: "Tell the engine whether the host UI is in front",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		foreground, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[0], err)
		}
		return callAndPrint(cmd, bridge.MethodSetAppForeground, bridge.SetAppForegroundArgs{Foreground: &foreground})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the controller status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, bridge.MethodGetStatus, nil)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream engine events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := bridge.Dial(cmd.Context(), bridgeAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		seen := 0
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-client.Events():
				if !ok {
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", event.Event, string(event.Data))
				seen++
				if watchCount > 0 && seen >= watchCount {
					return nil
				}
			}
		}
	},
}

func callAndPrint(cmd *cobra.Command, method string, payload any) error {
	return withClient(cmd, func(ctx context.Context, client *bridge.Client) error {
		var result json.RawMessage
		if err := client.Call(ctx, method, payload, &result); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return err
	})
}

// parseModeFlag accepts mode names or their wire integers.
func parseModeFlag(value string) (int, error) {
	switch value {
	case "audience":
		return int(domain.ModeAudience), nil
	case "anchor":
		return int(domain.ModeAnchor), nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown mode %q", value)
	}
	if _, err := domain.ParseMode(parsed); err != nil {
		return 0, err
	}
	return parsed, nil
}
