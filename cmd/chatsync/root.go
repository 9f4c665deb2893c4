package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync: WhatsApp to CRM message synchronizer",
	Long:  "chatsync keeps one WhatsApp session per tenant, persists every chat message through durable queues and sends queued replies.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: $CHATSYNC_LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format json|text (default: $CHATSYNC_LOG_FORMAT or json)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatsync %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
