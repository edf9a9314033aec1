// Package cli implements the botgw command tree.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/HengWoo/enterprise-bots-sub003/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  _           _\n" +
		" | |__   ___ | |_ __ ___      __\n" +
		" | '_ \\ / _ \\| __/ _` \\ \\ /\\ / /\n" +
		" | |_) | (_) | || (_| |\\ V  V /\n" +
		" |_.__/ \\___/ \\__\\__, | \\_/\\_/\n" +
		"                 |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "botgw",
	Short: "botgw - chat bot gateway",
	Long:  color.CyanString(logo) + "\nA gateway that turns chat events into bot executions.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ botgw Version")
		fmt.Printf("Version: %s\n", version)
	},
}
