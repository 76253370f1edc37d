// Command foodchat is a terminal client for the foodchat server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	server string
	token  string
	guest  string
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "foodchat",
		Short:         "Chat with the foodchat ordering assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.server, "server", envOr("FOODCHAT_SERVER", "http://localhost:8080"), "Server base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("FOODCHAT_TOKEN"), "Bearer token")
	cmd.PersistentFlags().StringVar(&flags.guest, "guest", os.Getenv("FOODCHAT_GUEST"), "Guest id to act as when no token is given")

	cmd.AddCommand(
		buildSendCmd(flags),
		buildResumeCmd(flags),
		buildHistoryCmd(flags),
		buildTokenCmd(),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
