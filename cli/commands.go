package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/foodchat/internal/auth"
)

func buildSendCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <message>",
		Short: "Send a message and stream the assistant reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			out := cmd.OutOrStdout()
			res, err := c.Send(cmd.Context(), args[0], args[1], newRenderer(out).Render)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nrun: %s\n", res.RunID)
			if res.GuestID != "" && flags.guest == "" && flags.token == "" {
				fmt.Fprintf(out, "guest: %s (pass --guest to continue this chat)\n", res.GuestID)
			}
			return nil
		},
	}
}

func buildResumeCmd(flags *globalFlags) *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "resume <chat-id> <run-id>",
		Short: "Resume a run's stream over WebSocket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 0 {
				return fmt.Errorf("--from must not be negative")
			}
			c := newClient(flags)
			return c.Resume(cmd.Context(), args[0], args[1], from, newRenderer(cmd.OutOrStdout()).Render)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "First chunk sequence number to receive")
	return cmd
}

func buildHistoryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Print the messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			messages, err := c.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), messages)
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with the server's JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			token, err := auth.NewTokenResolver(secret).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	return cmd
}
