package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// edit: apply a title and/or content edit through the pipeline and
// force a save so collaborators receive it.
func editCmd() *cobra.Command {
	var title, content string
	cmd := &cobra.Command{
		Use:   "edit <noteId>",
		Short: "Edit a note through the sync pipeline and save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setTitle, setContent := cmd.Flags().Changed("title"), cmd.Flags().Changed("content")
			if !setTitle && !setContent {
				return fmt.Errorf("nothing to change: pass --title and/or --content")
			}
			ctx := cmd.Context()

			client, _, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Logout()
			if err := client.Connect(ctx); err != nil {
				return err
			}

			doc, err := client.Open(ctx, args[0])
			if err != nil {
				return err
			}
			if setTitle {
				doc.SetTitle(title)
			}
			if setContent {
				doc.SetContent(content)
			}
			if err := doc.Save(ctx); err != nil {
				return err
			}
			if err := client.CloseDocument(ctx, doc.ID); err != nil {
				return err
			}
			fmt.Printf("saved %s (%s)\n", doc.ID, doc.Status())
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new content")
	return cmd
}
