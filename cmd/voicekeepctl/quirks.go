package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"voicekeep/internal/domain"
	"voicekeep/internal/resolver"
)

var (
	resolveVendor    string
	resolveOSVersion int
	resolveMode      string
	resolveNoMic     bool
	resolveQuirks    string
)

var quirksCmd = &cobra.Command{
	Use:   "quirks",
	Short: "Inspect the device quirk table",
}

func init() {
	rootCmd.AddCommand(quirksCmd)
	quirksCmd.AddCommand(quirksValidateCmd, quirksDefaultCmd, quirksResolveCmd)

	quirksResolveCmd.Flags().StringVar(&resolveVendor, "vendor", "", "Device vendor")
	quirksResolveCmd.Flags().IntVar(&resolveOSVersion, "os-version", 0, "Device OS version")
	quirksResolveCmd.Flags().StringVar(&resolveMode, "mode", "anchor", "Session mode: audience or anchor")
	quirksResolveCmd.Flags().BoolVar(&resolveNoMic, "no-mic", false, "Resolve as if RECORD_AUDIO were not granted")
	quirksResolveCmd.Flags().StringVar(&resolveQuirks, "quirks", "", "Quirk table file (default table when empty)")
}

var quirksValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a quirk table file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := resolver.LoadQuirkTable(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: version %d, %d entries\n", table.Version, len(table.Entries))
		return nil
	},
}

var quirksDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in quirk table as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(resolver.DefaultQuirkTable())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var quirksResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which strategy a device would get",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseModeFlag(strings.ToLower(resolveMode))
		if err != nil {
			return err
		}
		table, err := resolver.LoadQuirkTable(resolveQuirks)
		if err != nil {
			return err
		}

		strategy := resolver.Resolve(resolver.Input{
			Mode:    domain.Mode(mode),
			Device:  domain.DeviceProfile{Vendor: resolveVendor, OSVersion: resolveOSVersion},
			Granted: map[string]bool{domain.PermissionRecordAudio: !resolveNoMic},
		}, table)
		fmt.Fprintln(cmd.OutOrStdout(), strategy)
		return nil
	},
}
