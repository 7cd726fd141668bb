package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		owner       string
		framework   string
		brandAsset  string
		interactive bool
		maxRefine   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a new advertisement generation run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			result, err := client.Submit(cmd.Context(), submitPayload{
				OwnerID:     owner,
				Prompt:      strings.Join(args, " "),
				Framework:   framework,
				BrandAsset:  brandAsset,
				Interactive: interactive,
				MaxRefine:   maxRefine,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s submitted\nChannel: %s\n", result.SessionID, result.Channel)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner identifier")
	cmd.Flags().StringVar(&framework, "framework", "", "Narrative framework (e.g. problem-solution)")
	cmd.Flags().StringVar(&brandAsset, "brand-asset", "", "Brand asset URL")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Pause at story and scene checkpoints for approval")
	cmd.Flags().IntVar(&maxRefine, "max-refine", 0, "Override refine iteration cap")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Override clip fan-out concurrency")
	return cmd
}
