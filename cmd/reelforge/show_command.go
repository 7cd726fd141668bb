package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's state and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			sess, err := client.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s\n", sess.ID)
			fmt.Fprintf(out, "  Stage:      %s\n", sess.Stage)
			fmt.Fprintf(out, "  Mode:       %s\n", sess.Mode)
			if sess.Awaiting {
				fmt.Fprintf(out, "  Checkpoint: awaiting feedback (iteration %d)\n", sess.Iterations)
			}
			fmt.Fprintf(out, "  Prompt:     %s\n", sess.Prompt)
			if sess.Error != "" {
				fmt.Fprintf(out, "  Error:      %s\n", sess.Error)
			}
			if sess.Outputs.Story != "" {
				fmt.Fprintf(out, "\nStory:\n  %s\n", strings.ReplaceAll(sess.Outputs.Story, "\n", "\n  "))
			}
			if len(sess.Outputs.References) > 0 {
				fmt.Fprintln(out, "\nReferences:")
				for _, ref := range sess.Outputs.References {
					fmt.Fprintf(out, "  %-24s %s\n", ref.Subject, ref.AssetURL)
				}
			}
			if len(sess.Outputs.Scenes) > 0 {
				fmt.Fprintln(out, "\nScenes:")
				for _, scene := range sess.Outputs.Scenes {
					fmt.Fprintf(out, "  %d. %s (%ds)\n     %s\n", scene.Index, scene.Title, scene.Duration, scene.Description)
				}
			}
			if len(sess.Outputs.Clips) > 0 {
				fmt.Fprintln(out, "\nClips:")
				for _, clip := range sess.Outputs.Clips {
					line := fmt.Sprintf("  %-10s %s", clip.Status, shortID(clip.SceneID))
					if clip.AssetURL != "" {
						line += "  " + clip.AssetURL
					}
					if clip.Error != "" {
						line += "  (" + clip.Error + ")"
					}
					if score, ok := sess.Outputs.Scores[clip.SceneID]; ok {
						if score.Available {
							line += fmt.Sprintf("  score %.2f", score.Value)
						} else {
							line += "  score unavailable"
						}
					}
					fmt.Fprintln(out, line)
				}
			}
			if sess.Outputs.FinalAsset != "" {
				fmt.Fprintf(out, "\nFinal asset: %s\n", sess.Outputs.FinalAsset)
			}
			return nil
		},
	}
}
