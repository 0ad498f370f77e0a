package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"voicekeep/internal/bridge"
	"voicekeep/internal/domain"
	"voicekeep/internal/logging"
)

var (
	bridgeAddr  string
	callTimeout time.Duration
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "voicekeepctl",
	Short:         "Control a running voicekeep engine over its method channel",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init("console", logLevel, cmd.ErrOrStderr())
	},
}

func init() {
	defaultAddr := os.Getenv("VOICEKEEP_BRIDGE_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:7466"
	}
	rootCmd.PersistentFlags().StringVar(&bridgeAddr, "addr", defaultAddr, "Bridge address (host:port or ws:// URL)")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 15*time.Second, "Per-call timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// withClient dials the bridge, runs fn and closes the connection.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *bridge.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client, err := bridge.Dial(ctx, bridgeAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	log := logging.L("ctl")
	log.Debug().Str("addr", bridgeAddr).Msg("connected")
	return fn(ctx, client)
}

// exitCode maps wire error codes to distinct process exit codes.
func exitCode(err error) int {
	var wire *bridge.Error
	if !errors.As(err, &wire) {
		return 1
	}
	switch wire.Code {
	case domain.ErrorCodePermissionDenied:
		return 3
	case domain.ErrorCodeInvalidTransition:
		return 4
	case domain.ErrorCodeInvalidArgs:
		return 2
	default:
		return 1
	}
}
