package commands

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/notesync/src/editor"
	"github.com/orchestra-mcp/notesync/src/presence"
	"github.com/orchestra-mcp/notesync/src/session"
)

// watch: join a note and log what collaborators do until interrupted.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <noteId>",
		Short: "Join a note and log presence, typing and updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, _, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Logout()

			client.Session().OnStateChange(func(s session.State) {
				logger.Info().Stringer("state", s).Msg("session")
			})
			if err := client.Connect(ctx); err != nil {
				return err
			}

			doc, err := client.Open(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info().Str("title", doc.Content().Title).Str("owner", client.Label(doc.OwnerID)).Msg("opened")

			doc.Presence.OnChange(func(presence.State) {
				var here, typing []string
				for _, p := range doc.Participants() {
					here = append(here, p.Label)
					if p.IsTyping && !p.IsLocal {
						typing = append(typing, p.Label)
					}
				}
				logger.Info().Str("present", strings.Join(here, ", ")).Str("typing", strings.Join(typing, ", ")).Msg("presence")
			})
			doc.Pipeline.OnChange(func(c editor.Change) {
				switch c.Kind {
				case editor.ExternalUpdate:
					logger.Info().Str("by", client.Label(c.UserID)).Str("title", c.Document.Title).
						Int("content_len", len(c.Document.Content)).Msg("update")
				case editor.SnapshotApplied:
					logger.Info().Str("title", c.Document.Title).Msg("snapshot")
				case editor.CollaboratorsChanged:
					logger.Info().Int("collaborators", len(c.Collaborators)).Msg("collaborators")
				}
			})

			<-ctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.CloseDocument(closeCtx, doc.ID)
		},
	}
}
