package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newFeedbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <session-id> <message...>",
		Short: "Send checkpoint feedback to a parked session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Feedback(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Feedback accepted.")
			return nil
		},
	}
}

func newApproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve the pending checkpoint candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Feedback(cmd.Context(), args[0], "approve"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Approved.")
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session-id>",
		Short: "Retry the failed clips of a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Retry started.")
			return nil
		},
	}
}
